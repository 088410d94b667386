// seed inserts development sample data for local testing and prints access tokens for the dev users.
// Idempotent: rows are upserted. Requires DATABASE_URL and JWT_PRIVATE_KEY.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"waypoint/internal/config"
	"waypoint/internal/db"
	"waypoint/internal/presence"
	"waypoint/internal/security"
	"waypoint/internal/state"
	"waypoint/internal/store"
)

// devTokenTTL is long so a local client can reuse the printed tokens for a working day.
const devTokenTTL = 12 * time.Hour

const devRoomCode = "DEVROOM"

var devUsers = []store.UserRecord{
	{ID: "dev-admin-001", DisplayName: "Dev Admin", Role: state.RoleAdmin, Retention: presence.RetentionDefault},
	{ID: "dev-user-001", DisplayName: "Alice", Role: state.RoleUser, Retention: presence.RetentionDefault},
	{ID: "dev-user-002", DisplayName: "Bob", Role: state.RoleUser, Retention: presence.Retention48h},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}
	if cfg.JWTPrivateKey == "" {
		log.Fatal("JWT_PRIVATE_KEY is not set; it signs the printed dev tokens")
	}
	signer, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("JWT_PRIVATE_KEY: %v", err)
	}
	issuer := security.NewIssuer(signer, cfg.JWTIssuer, cfg.JWTAudience, devTokenTTL)

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()
	st := store.NewPostgresStore(conn)

	for _, u := range devUsers {
		if err := st.UpsertUser(ctx, u); err != nil {
			log.Fatalf("upsert user %s: %v", u.ID, err)
		}
	}

	alice, bob := devUsers[1].ID, devUsers[2].ID
	if err := st.UpsertRoom(ctx, state.Room{Code: devRoomCode, Name: "Dev room", CreatedBy: alice, CreatedAt: time.Now().UTC()}); err != nil {
		log.Fatalf("upsert room: %v", err)
	}
	if err := st.UpsertMember(ctx, store.Member{Room: devRoomCode, UserID: alice, Role: state.Role{Role: state.AdminRole}}); err != nil {
		log.Fatalf("upsert member: %v", err)
	}
	if err := st.UpsertMember(ctx, store.Member{Room: devRoomCode, UserID: bob, Role: state.Role{Role: state.MemberRole}}); err != nil {
		log.Fatalf("upsert member: %v", err)
	}
	if err := st.AddContact(ctx, alice, bob); err != nil {
		log.Fatalf("add contact: %v", err)
	}

	log.Println("Seed completed successfully.")
	for _, u := range devUsers {
		token, exp, err := issuer.Issue(security.Identity{UserID: u.ID, Role: u.Role, Name: u.DisplayName})
		if err != nil {
			log.Fatalf("issue token for %s: %v", u.ID, err)
		}
		fmt.Printf("%s (%s), expires %s:\n%s\n\n", u.DisplayName, u.ID, exp.Format(time.RFC3339), token)
	}
}
