package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"docseal/internal/sigtoken"
)

func main() {
	alg := flag.String("alg", "ed25519", "key algorithm: ed25519, es256 or rs256")
	out := flag.String("out", "secrets/signing", "directory for private.pem and public.pem")
	force := flag.Bool("force", false, "overwrite existing key files")
	flag.Parse()

	if err := run(*alg, *out, *force); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run(alg, dir string, force bool) error {
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	if !force {
		for _, path := range []string{privatePath, publicPath} {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s exists (use -force to overwrite)", path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	privatePEM, publicPEM, err := sigtoken.GenerateKeyPair(alg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Printf("wrote %s and %s\n", privatePath, publicPath)
	return nil
}
