package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"eventcert/internal/auth"
	"eventcert/internal/config"
	"eventcert/internal/database"
)

func main() {
	var (
		username    = flag.String("username", "", "operator username (required)")
		password    = flag.String("password", "", "initial password; a random one is generated when empty")
		permissions = flag.String("permissions", auth.PermAll, "comma separated permissions, or * for all")
		dbHost      = flag.String("db-host", "", "database host (defaults to DATABASE_HOST)")
		dbPort      = flag.Int("db-port", 0, "database port (defaults to DATABASE_PORT)")
		dbName      = flag.String("db-name", "", "database name (defaults to POSTGRES_DB)")
		dbUser      = flag.String("db-user", "", "database user (defaults to POSTGRES_USER)")
		dbPass      = flag.String("db-password", "", "database password (defaults to POSTGRES_PASSWORD)")
		sslMode     = flag.String("db-sslmode", "", "database sslmode (defaults to DATABASE_SSLMODE)")
	)
	flag.Parse()

	u := strings.ToLower(strings.TrimSpace(*username))
	if u == "" {
		log.Fatal("missing required flag: --username")
	}

	perms := auth.ParsePermissions(*permissions)
	if len(perms) == 0 {
		log.Fatal("at least one permission is required")
	}
	for _, p := range perms {
		if !auth.ValidPermission(p) {
			log.Fatalf("unknown permission %q (valid: %s)", p, strings.Join(auth.AllPermissions, ", "))
		}
	}

	dbCfg, err := loadDatabaseConfig(*dbHost, *dbPort, *dbName, *dbUser, *dbPass, *sslMode)
	if err != nil {
		log.Fatalf("load database config: %v", err)
	}

	db, err := database.InitDatabase(dbCfg)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var existing database.Operator
	switch err := db.Where("username = ?", u).First(&existing).Error; {
	case err == nil:
		log.Fatalf("operator %q already exists", u)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		log.Fatalf("query operator: %v", err)
	}

	initial := *password
	generated := initial == ""
	if generated {
		if initial, err = generateRandomPassword(24); err != nil {
			log.Fatalf("generate password: %v", err)
		}
	}

	hashed, err := auth.HashPassword(initial)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	op := database.Operator{
		Username:           u,
		PasswordHash:       hashed,
		MustChangePassword: true,
		Permissions:        strings.Join(perms, ","),
	}
	if err := db.Create(&op).Error; err != nil {
		log.Fatalf("create operator: %v", err)
	}

	fmt.Println("Created operator (password change required on first login):")
	fmt.Printf("username:    %s\n", u)
	fmt.Printf("permissions: %s\n", op.Permissions)
	if generated {
		fmt.Printf("password:    %s\n", initial)
		fmt.Println("This password is shown only once.")
	}
}

func loadDatabaseConfig(host string, port int, name, user, password, sslmode string) (config.DatabaseConfig, error) {
	host = firstNonEmpty(host, os.Getenv("DATABASE_HOST"), "localhost")
	name = firstNonEmpty(name, os.Getenv("POSTGRES_DB"), os.Getenv("DB_NAME"))
	user = firstNonEmpty(user, os.Getenv("POSTGRES_USER"), os.Getenv("DB_USER"))
	password = firstNonEmpty(password, os.Getenv("POSTGRES_PASSWORD"), os.Getenv("DB_PASSWORD"))
	sslmode = firstNonEmpty(sslmode, os.Getenv("DATABASE_SSLMODE"), "disable")

	if port <= 0 {
		if env := strings.TrimSpace(os.Getenv("DATABASE_PORT")); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return config.DatabaseConfig{}, fmt.Errorf("parse DATABASE_PORT: %w", err)
			}
			port = p
		}
	}
	if port <= 0 {
		port = 5432
	}

	if name == "" {
		return config.DatabaseConfig{}, errors.New("database name is required (POSTGRES_DB)")
	}
	if user == "" {
		return config.DatabaseConfig{}, errors.New("database user is required (POSTGRES_USER)")
	}
	if password == "" {
		return config.DatabaseConfig{}, errors.New("database password is required (POSTGRES_PASSWORD)")
	}

	return config.DatabaseConfig{
		Host:     host,
		Port:     port,
		Name:     name,
		User:     user,
		Password: password,
		SSLMode:  sslmode,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func generateRandomPassword(bytesLen int) (string, error) {
	if bytesLen <= 0 {
		bytesLen = 24
	}
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
