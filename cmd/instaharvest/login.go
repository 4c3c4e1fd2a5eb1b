package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"instaharvest/pkg/auth"
	"instaharvest/pkg/config"
	errs "instaharvest/pkg/errors"
	"instaharvest/pkg/instagram"
)

var saveCredentials bool

// loginCmd represents the login command.
var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Log in and persist the session",
	Long: `Log in to the remote content API and persist the resulting session.

You will be prompted for the password, and for a verification code when the
account has two-factor authentication enabled. The session cookies are saved
to disk so later harvests do not need to log in again; the credentials
themselves are optionally stored in the system keychain.`,
	Example: `  # Interactive login
  instaharvest login myusername

  # Log in without storing the password
  instaharvest login myusername --save-credentials=false`,
	Args: cobra.MaximumNArgs(1),
	Run:  runLogin,
}

// logoutCmd represents the logout command.
var logoutCmd = &cobra.Command{
	Use:   "logout <username>",
	Short: "Remove the persisted session and stored credentials",
	Args:  cobra.ExactArgs(1),
	Run:   runLogout,
}

// accountsCmd represents the accounts command.
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List accounts with stored credentials",
	Run:   runAccounts,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(accountsCmd)

	loginCmd.Flags().BoolVar(&saveCredentials, "save-credentials", true, "store the password in the credential manager")
}

func runLogin(cmd *cobra.Command, args []string) {
	cfg, err := setup()
	if err != nil {
		fatal("failed to load configuration", err)
	}

	reader := bufio.NewReader(os.Stdin)

	var username string
	if len(args) > 0 {
		username = strings.TrimSpace(args[0])
	} else if cfg.Session.Username != "" {
		username = cfg.Session.Username
	} else {
		fmt.Print("Username: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			fatal("failed to read username", err)
		}
		username = strings.TrimSpace(input)
	}
	if username == "" {
		fatal("username is required", nil)
	}

	fmt.Print("Password (hidden): ")
	password, err := readPassword()
	if err != nil {
		fatal("failed to read password", err)
	}
	if password == "" {
		fatal("password is required", nil)
	}

	ctx, err := instagram.NewContext(cfg, nil)
	if err != nil {
		fatal("failed to create session", err)
	}
	defer ctx.Close()

	if err := ctx.Login(username, password); err != nil {
		if errs.Is(err, errs.ErrorTypeTwoFactorRequired) {
			fmt.Print("Two-factor verification code: ")
			code, readErr := reader.ReadString('\n')
			if readErr != nil {
				fatal("failed to read verification code", readErr)
			}
			if err := ctx.TwoFactorLogin(strings.TrimSpace(code)); err != nil {
				fatal("two-factor login failed", err)
			}
		} else {
			fatal("login failed", err)
		}
	}

	if err := persistSession(cfg, ctx); err != nil {
		fatal("failed to save session", err)
	}

	if saveCredentials {
		manager, err := auth.NewManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: credential manager unavailable: %v\n", err)
		} else if err := manager.Save(&auth.Credentials{Username: username, Password: password}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not store credentials: %v\n", err)
		}
	}

	fmt.Printf("Logged in as %s. Session saved.\n", ctx.Username())
}

func runLogout(cmd *cobra.Command, args []string) {
	cfg, err := setup()
	if err != nil {
		fatal("failed to load configuration", err)
	}
	username := strings.TrimSpace(args[0])

	path, err := sessionFilePath(cfg, username)
	if err == nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			fmt.Fprintf(os.Stderr, "Warning: could not remove session file: %v\n", rmErr)
		}
	}

	if manager, mErr := auth.NewManager(); mErr == nil {
		if delErr := manager.Delete(username); delErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", delErr)
		}
	}

	fmt.Printf("Logged out %s.\n", username)
}

func runAccounts(cmd *cobra.Command, args []string) {
	if _, err := setup(); err != nil {
		fatal("failed to load configuration", err)
	}

	manager, err := auth.NewManager()
	if err != nil {
		fatal("failed to initialize credential manager", err)
	}

	accounts, err := manager.List()
	if err != nil {
		fatal("failed to list accounts", err)
	}
	if len(accounts) == 0 {
		fmt.Println("No stored accounts.")
		return
	}
	for _, creds := range accounts {
		sanitized := auth.Sanitize(creds)
		fmt.Printf("%s (password %s, updated %s)\n",
			sanitized.Username, sanitized.Password,
			sanitized.LastModified.Format("2006-01-02 15:04"))
	}
}

// persistSession writes the exported session blob next to the config.
func persistSession(cfg *config.Config, ctx *instagram.Context) error {
	path, err := sessionFilePath(cfg, ctx.Username())
	if err != nil {
		return err
	}
	blob, err := ctx.ExportSession()
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0600)
}

// readPassword reads a line from stdin without echoing it.
func readPassword() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(password)), nil
		}
	}

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}
