// Command devtoken prints a bearer token signed with the configured key, for
// calling the API locally.
package main

import (
	"flag"
	"fmt"
	"os"

	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/status"
)

func main() {
	subject := flag.String("sub", "", "student id or teacher code")
	roleName := flag.String("role", "student", "student or teacher")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Production() {
		fmt.Fprintln(os.Stderr, "devtoken refuses to run with production settings")
		os.Exit(1)
	}
	role, err := status.ParseRole(*roleName)
	if err != nil || *subject == "" {
		flag.Usage()
		os.Exit(2)
	}
	token, exp, err := auth.Issue(*subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("%s\n# expires %s\n", token, exp.Format("2006-01-02 15:04:05 MST"))
}
