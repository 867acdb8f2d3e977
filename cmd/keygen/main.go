// Command keygen prints a fresh Ed25519 keypair in the base64url encoding
// the server's signing configuration expects. The private seed goes into
// VOX_SIGNING_PRIVATE_KEY_B64; the public key is pinned into clients.
package main

import (
	"fmt"
	"os"

	"voxlicense/internal/signing"
)

func main() {
	priv, pub, err := signing.GenerateKeypair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("private key (seed): %s\n", priv)
	fmt.Printf("public key:         %s\n", pub)
}
