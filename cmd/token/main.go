// Command token mints a bearer token for local testing, signed with the
// configured JWT key.
//
//	go run ./cmd/token -sub prof -role teacher
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/phuslu/log"

	"qrattend/internal/auth"
	"qrattend/internal/config"
)

func main() {
	sub := flag.String("sub", "", "subject (user id)")
	role := flag.String("role", auth.RoleStudent, "role: teacher or student")
	flag.Parse()

	if *sub == "" || (*role != auth.RoleTeacher && *role != auth.RoleStudent) {
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	tok, exp, err := auth.Issue(*sub, *role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("signing token")
	}
	fmt.Println(tok)
	log.Info().Time("expires_at", exp).Str("sub", *sub).Str("role", *role).Msg("token issued")
}
