// Command createadmin creates an administrator account or promotes an existing
// one. The password is read from the terminal unless -password-stdin is set.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"fileshare/internal/app"
	"fileshare/internal/config"
	"fileshare/internal/util"
	"fileshare/pkg/store"
)

func main() {
	var (
		configPath    = flag.String("config", "", "config file (defaults to FILESHARE_CONFIG or config.yaml)")
		email         = flag.String("email", "", "admin email address")
		name          = flag.String("name", "", "display name")
		passwordStdin = flag.Bool("password-stdin", false, "read the password from stdin without prompting")
	)
	flag.Parse()
	if strings.TrimSpace(*email) == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	var password string
	if *passwordStdin {
		password, err = readLine(bufio.NewReader(os.Stdin))
	} else {
		password, err = promptPassword("Admin password")
	}
	if err != nil {
		log.Fatalf("failed to read password: %v", err)
	}

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	user, created, err := app.ProvisionAdmin(ctx, db, time.Now().UTC(), *email, *name, password)
	if err != nil {
		log.Fatalf("failed to provision admin: %v", err)
	}
	if created {
		fmt.Printf("created admin %s (%s)\n", user.Email, user.ID)
		return
	}
	fmt.Printf("promoted %s (%s) to admin\n", user.Email, user.ID)
}

func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; use -password-stdin")
	}
	for {
		fmt.Fprintf(os.Stderr, "%s: ", label)
		first, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		fmt.Fprint(os.Stderr, "Confirm password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		p1, p2 := strings.TrimSpace(string(first)), strings.TrimSpace(string(second))
		switch {
		case p1 == "":
			fmt.Fprintln(os.Stderr, "password cannot be empty")
		case p1 != p2:
			fmt.Fprintln(os.Stderr, "passwords do not match")
		default:
			return p1, nil
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
