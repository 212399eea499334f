package main

import (
	"fmt"
	"os"
	"time"

	"safechat/server/internal/store"
)

// RunCLI executes an administrative subcommand against the database. It
// reports whether the arguments named one.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("safechat server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	case "groups":
		return cliGroups(dbPath)
	case "sessions":
		return cliSessions(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	name, ok, _ := st.GetSetting("server_name")
	if !ok {
		name = "safechat"
	}
	users, _ := st.CountUsers()
	messages, _ := st.CountMessages()
	groups, _ := st.CountGroups()
	sessions, _ := st.CountSessions()

	fmt.Printf("Server:   %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users:    %d\n", users)
	fmt.Printf("Messages: %d\n", messages)
	fmt.Printf("Groups:   %d\n", groups)
	fmt.Printf("Sessions: %d\n", sessions)
	fmt.Printf("Version:  %s\n", Version)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		users, err := st.ListUsers()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return true
		}
		for _, u := range users {
			state := "offline"
			if u.Online {
				state = "online"
			}
			fmt.Printf("  [%d] %s (%s)\n", u.ID, u.Username, state)
		}
		return true
	}

	if (args[0] == "block" || args[0] == "unblock") && len(args) > 2 {
		owner, err := st.GetUserByUsername(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: user %q: %v\n", args[1], err)
			os.Exit(1)
		}
		target, err := st.GetUserByUsername(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: user %q: %v\n", args[2], err)
			os.Exit(1)
		}

		if args[0] == "block" {
			err = st.BlockUser(owner.ID, target.ID)
		} else {
			err = st.UnblockUser(owner.ID, target.ID)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if args[0] == "block" {
			fmt.Printf("%s blocked %s\n", args[1], args[2])
		} else {
			fmt.Printf("%s unblocked %s\n", args[1], args[2])
		}
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server users [list|block <owner> <target>|unblock <owner> <target>]\n")
	os.Exit(1)
	return true
}

func cliGroups(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	groups, err := st.ListGroups()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(groups) == 0 {
		fmt.Println("No groups found.")
		return true
	}
	for _, g := range groups {
		fmt.Printf("  [%s] %s (%d members)\n", g.ID, g.Name, g.MemberCount)
	}
	return true
}

func cliSessions(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	if len(args) > 0 && args[0] == "purge" {
		n, err := st.PurgeSessions(time.Now().UnixMilli())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Purged %d sessions\n", n)
		return true
	}

	n, _ := st.CountSessions()
	fmt.Printf("Live sessions: %d\n", n)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "safechat-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.VacuumInto(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
