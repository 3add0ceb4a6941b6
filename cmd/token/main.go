// Command token mints a dashboard bearer token signed with the service's
// JWT secret, for local development and for wiring dashboards that have no
// auth service of their own.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/harborpress/pulse/pkg/config"
	"github.com/harborpress/pulse/pkg/jwt"
	"github.com/harborpress/pulse/pkg/logger"
)

func main() {
	subject := flag.String("subject", "dashboard", "token subject")
	role := flag.String("role", "viewer", "token role")
	flag.Parse()

	cfg := config.Load()
	log := logger.New("token", slog.LevelInfo)

	token, err := jwt.GenerateToken(*subject, *role, cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.Error("failed to mint token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
