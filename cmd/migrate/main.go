package main

import (
	"flag"
	"log"

	"github.com/ignite/mailhub/internal/config"
	"github.com/ignite/mailhub/internal/store"
	"github.com/ignite/mailhub/internal/vault"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Opening the store creates the schema; -encrypt additionally seals any
// plaintext credentials left over from installs that predate the vault.
func main() {
	encrypt := flag.Bool("encrypt", false, "encrypt plaintext mailbox credentials in place")
	flag.Parse()

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	v, err := vault.NewFromConfig(cfg.Auth.EncryptionKey, cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to init credential vault: %v", err)
	}

	st, err := store.Open(cfg.Database, v)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Printf("Schema ready (driver=%s)", cfg.Database.Driver)

	if !*encrypt {
		return
	}

	type pending struct {
		id                             int64
		password, clientID, refreshTok string
	}

	db := st.DB()
	rows, err := db.Query(`SELECT id, password, client_id, refresh_token FROM mailboxes`)
	if err != nil {
		log.Fatalf("Scanning mailboxes: %v", err)
	}

	var work []pending
	total := 0
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.password, &p.clientID, &p.refreshTok); err != nil {
			rows.Close()
			log.Fatalf("Scanning mailbox row: %v", err)
		}
		total++

		sealedPass, passChanged, err := v.EncryptIfNeeded(p.password)
		if err != nil {
			rows.Close()
			log.Fatalf("Encrypting password for mailbox %d: %v", p.id, err)
		}
		sealedCID, cidChanged, err := v.EncryptIfNeeded(p.clientID)
		if err != nil {
			rows.Close()
			log.Fatalf("Encrypting client id for mailbox %d: %v", p.id, err)
		}
		sealedTok, tokChanged, err := v.EncryptIfNeeded(p.refreshTok)
		if err != nil {
			rows.Close()
			log.Fatalf("Encrypting refresh token for mailbox %d: %v", p.id, err)
		}
		if passChanged || cidChanged || tokChanged {
			p.password, p.clientID, p.refreshTok = sealedPass, sealedCID, sealedTok
			work = append(work, p)
		}
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Scanning mailboxes: %v", err)
	}
	rows.Close()

	query := `UPDATE mailboxes SET password = ?, client_id = ?, refresh_token = ? WHERE id = ?`
	if cfg.Database.Driver == "postgres" {
		query = `UPDATE mailboxes SET password = $1, client_id = $2, refresh_token = $3 WHERE id = $4`
	}
	for _, p := range work {
		if _, err := db.Exec(query, p.password, p.clientID, p.refreshTok, p.id); err != nil {
			log.Fatalf("Updating mailbox %d: %v", p.id, err)
		}
	}

	log.Printf("Credential encryption done: %d of %d mailboxes converted, %d already sealed",
		len(work), total, total-len(work))
}
