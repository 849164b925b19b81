// Package auth implements the authentication policies a security plan can
// wrap: key-less, API key and JWT.
package auth
