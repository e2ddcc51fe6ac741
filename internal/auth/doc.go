// Package auth secures the local API of the Fennec workbench daemon.
//
// The daemon has a single operator, so the model is deliberately small:
//   - Argon2id password hashing (OWASP 2025 recommendation), stored as a
//     PHC string in the daemon configuration
//   - short-lived HS256 session tokens issued after a password login
//
// Authentication is optional. Workbenches bound to loopback typically
// run with it disabled; it exists for daemons exposed on a LAN.
package auth
