// Command ledgertokenhash prints the bcrypt hash ledgerd expects in
// LEDGER_INGEST_TOKEN_HASH for a given ingest token.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, stdinIsTerminal(), os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, interactive bool, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledgertokenhash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	token, err := readToken(fs.Args(), stdin, interactive)
	if err != nil {
		fmt.Fprintf(stderr, "read token: %v\n", err)
		return 1
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), *cost)
	if err != nil {
		fmt.Fprintf(stderr, "hash token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(hash))
	return 0
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func readToken(args []string, stdin io.Reader, interactive bool) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	if interactive {
		return "", fmt.Errorf("provide token as arg or stdin")
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", fmt.Errorf("token is empty")
	}
	return token, nil
}
