// Keystone - Record concurrency core for the Veristone ERP
package main

import (
	"fmt"
	"log"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/veristone/keystone/internal/api"
	"github.com/veristone/keystone/internal/audit"
	"github.com/veristone/keystone/internal/auth"
	"github.com/veristone/keystone/internal/config"
	"github.com/veristone/keystone/internal/database"
	"github.com/veristone/keystone/internal/engine"
	"github.com/veristone/keystone/internal/models"
	"github.com/veristone/keystone/internal/notify"
)

var Version = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		runCLI()
		return
	}
	startServer()
}

func startServer() {
	fmt.Printf("Keystone %s - Starting...\n", Version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}

	db := connectDB(cfg)
	log.Println("Database connected")

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations complete")

	var sink notify.Sink = notify.NopSink{}
	if cfg.Redis.URL != "" {
		redisSink, err := notify.NewRedisSink(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Redis connection failed: %v", err)
		}
		defer redisSink.Close()
		sink = redisSink
		log.Println("Redis sink connected")
	}

	registry := engine.NewRegistry(db)
	store := engine.NewGormStore(db)
	service := engine.NewService(store, registry, sink, audit.NewGormLogger(db))

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.AccessExpiry, cfg.Auth.RefreshExpiry)
	permissionService := auth.NewPermissionService(db)

	handler := api.NewHandler(service, permissionService, jwtService)
	fieldHandler := api.NewFieldHandler(registry)
	authHandler := api.NewAuthHandler(db, jwtService, permissionService)
	router := api.SetupRouter(handler, fieldHandler, authHandler, cfg.CORS.AllowedOrigins)

	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func connectDB(cfg *config.Config) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	return db
}

// CLI
func runCLI() {
	switch os.Args[1] {
	case "serve":
		startServer()
	case "migrate":
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Config failed: %v", err)
		}
		db := connectDB(cfg)
		if err := database.RunMigrations(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Migrations complete")
	case "seed":
		runSeed()
	case "user":
		runUserCmd()
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Println(`Usage: keystone <command>
Commands:
  serve                              Start server
  migrate                            Run migrations
  seed                               Create default roles and permissions
  user list                          List users
  user create --email= --password=   Create user (--admin for admin role)`)
}

// runSeed creates the admin and user roles with their permissions on the
// revenue and expense modules.
func runSeed() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}
	db := connectDB(cfg)

	roles := []struct {
		code   string
		name   string
		scope  string
		delete bool
	}{
		{"admin", "Administrator", auth.ScopeAll, true},
		{"user", "User", auth.ScopeOwn, false},
	}

	for _, r := range roles {
		role := models.Role{Code: r.code, Name: r.name, IsSystem: true}
		err := db.Where("code = ?", r.code).FirstOrCreate(&role).Error
		if err != nil {
			log.Fatalf("Failed to create role %s: %v", r.code, err)
		}

		for _, module := range []string{models.ModuleRevenue, models.ModuleExpense} {
			perm := models.Permission{
				RoleID:    role.ID,
				Module:    module,
				Entity:    "*",
				CanView:   true,
				CanCreate: true,
				CanEdit:   true,
				CanDelete: r.delete,
				Scope:     r.scope,
			}
			db.Where("role_id = ? AND module = ? AND entity = ?", role.ID, module, "*").
				FirstOrCreate(&perm)
		}
		fmt.Printf("Role seeded: %s\n", r.code)
	}
}

func runUserCmd() {
	if len(os.Args) < 3 {
		printUsage()
		return
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}
	db := connectDB(cfg)

	switch os.Args[2] {
	case "list":
		var users []models.User
		db.Find(&users)
		for _, u := range users {
			fmt.Printf("%s <%s>\n", u.FirstName+" "+u.LastName, u.Email)
		}
	case "create":
		email := getFlag("--email")
		password := getFlag("--password")
		if email == "" || password == "" {
			printUsage()
			return
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			log.Fatalf("Failed: %v", err)
		}
		user := models.User{
			Email:        email,
			PasswordHash: hash,
			FirstName:    getFlag("--first"),
			LastName:     getFlag("--last"),
			IsActive:     true,
		}
		if err := db.Create(&user).Error; err != nil {
			log.Fatalf("Failed: %v", err)
		}
		if hasFlag("--admin") {
			var role models.Role
			if db.Where("code = ?", "admin").First(&role).Error == nil {
				db.Exec("INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)", user.ID, role.ID)
			}
		}
		fmt.Printf("User created: %s\n", email)
	}
}

func getFlag(name string) string {
	prefix := name + "="
	for _, arg := range os.Args {
		if len(arg) > len(prefix) && arg[:len(prefix)] == prefix {
			return arg[len(prefix):]
		}
	}
	return ""
}

func hasFlag(name string) bool {
	for _, arg := range os.Args {
		if arg == name {
			return true
		}
	}
	return false
}
