// Package secret hashes and verifies operator API secrets with Argon2id.
//
// Secrets are machine-generated (see Generate), so the policy only bounds
// length. Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Environment (all optional):
//   - FIDELITY_ARGON2_MEMORY_KIB
//   - FIDELITY_ARGON2_ITERATIONS
//   - FIDELITY_ARGON2_PARALLELISM
//   - FIDELITY_ARGON2_SALT_LEN
//   - FIDELITY_ARGON2_KEY_LEN
package secret
