// Command tz4-signer is the admin/daemon binary of the remote signer: it
// lists and shows wallet addresses and launches the TCP socket signer.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/rs/zerolog"

	"tz4.dev/signer/bls"
	"tz4.dev/signer/keyring"
	"tz4.dev/signer/provision"
	"tz4.dev/signer/server"
	"tz4.dev/signer/watermark"
)

const version = "1.0.0"

const (
	defaultAddress = "169.254.1.1"
	defaultPort    = 7732
)

func defaultBaseDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tz4-signer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tz4-signer"
	}
	return filepath.Join(home, ".local", "share", "tz4-signer")
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// parseMagicBytes accepts comma-separated 0xNN or decimal byte values.
func parseMagicBytes(s string) ([]byte, error) {
	parts := strings.Split(s, ",")
	out := make([]byte, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		var (
			v   uint64
			err error
		)
		if hexPart, ok := strings.CutPrefix(part, "0x"); ok {
			v, err = strconv.ParseUint(hexPart, 16, 8)
		} else {
			v, err = strconv.ParseUint(part, 10, 8)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid magic byte %q: %w", part, err)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

func cmdListKnownAddressesMain(baseDir string) int {
	keys, err := keyring.LoadWalletDir(baseDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list known addresses error:", err)
		return 1
	}
	if len(keys) == 0 {
		fmt.Println("No known keys.")
		return 0
	}
	aliases := make([]string, 0, len(keys))
	for alias := range keys {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	fmt.Printf("%-20s %s\n", "Alias", "Address")
	for _, alias := range aliases {
		fmt.Printf("%-20s %s\n", alias, keys[alias].PublicKeyHash)
	}
	return 0
}

func cmdShowWatermarksMain(baseDir string) int {
	hw, err := watermark.New(baseDir, newLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, "show watermarks error:", err)
		return 1
	}
	dump, err := hw.Dump()
	if err != nil {
		fmt.Fprintln(os.Stderr, "show watermarks error:", err)
		return 1
	}
	for _, kind := range watermark.Kinds() {
		fmt.Printf("%s:\n", kind)
		snapshot := dump[kind]
		if len(snapshot) == 0 {
			fmt.Println("  (empty)")
			continue
		}
		chains := make([]string, 0, len(snapshot))
		for chain := range snapshot {
			chains = append(chains, chain)
		}
		sort.Strings(chains)
		for _, chain := range chains {
			pkhs := make([]string, 0, len(snapshot[chain]))
			for pkh := range snapshot[chain] {
				pkhs = append(pkhs, pkh)
			}
			sort.Strings(pkhs)
			for _, pkh := range pkhs {
				e := snapshot[chain][pkh]
				signed := "unsigned"
				if e.Signature != "" {
					signed = "signed"
				}
				fmt.Printf("  %s %s level=%d round=%d %s\n", chain, pkh, e.Level, e.Round, signed)
			}
		}
	}
	return 0
}

func cmdShowAddressMain(baseDir string, argv []string) int {
	if len(argv) < 1 {
		fmt.Fprintln(os.Stderr, "usage: tz4-signer show address <alias>")
		return 2
	}
	name := argv[0]
	keys, err := keyring.LoadWalletDir(baseDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "show address error:", err)
		return 1
	}
	key, ok := keys[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "show address error: key %q not found\n", name)
		return 1
	}
	fmt.Printf("Key: %s\n", name)
	fmt.Printf("  Public Key Hash: %s\n", key.PublicKeyHash)
	fmt.Printf("  Public Key:      %s\n", key.PublicKey)
	return 0
}

type launchOptions struct {
	baseDir              string
	address              string
	port                 uint
	magicBytes           string
	checkHighWatermark   bool
	allowListKnownKeys   bool
	allowProvePossession bool
	requireAuth          bool
	timeoutSec           uint
	pidfile              string
	maxConnections       uint
	chain                string
	pinFile              string
}

func cmdLaunchSocketMain(baseDir string, argv []string) int {
	fs := flag.NewFlagSet("launch socket", flag.ExitOnError)
	opts := launchOptions{baseDir: baseDir}
	fs.StringVar(&opts.address, "address", defaultAddress, "listen address")
	fs.UintVar(&opts.port, "port", defaultPort, "listen port")
	fs.StringVar(&opts.magicBytes, "magic-bytes", "", "allowed magic bytes (comma-separated, 0xNN or decimal)")
	fs.BoolVar(&opts.checkHighWatermark, "check-high-watermark", false, "enable high-watermark protection")
	fs.BoolVar(&opts.allowListKnownKeys, "allow-list-known-keys", false, "allow the known-keys request")
	fs.BoolVar(&opts.allowProvePossession, "allow-to-prove-possession", false, "allow possession-proof requests")
	fs.BoolVar(&opts.requireAuth, "require-authentication", false, "require request authentication (reserved)")
	fs.UintVar(&opts.timeoutSec, "timeout", 30, "connection idle timeout in seconds")
	fs.StringVar(&opts.pidfile, "pidfile", "", "PID file path")
	fs.UintVar(&opts.maxConnections, "max-connections", 0, "maximum concurrent connections (0 = unbounded)")
	fs.StringVar(&opts.chain, "chain", "", "chain id (Net...); defaults to the provisioned chain descriptor")
	fs.StringVar(&opts.pinFile, "pin-file", "", "file holding the container PIN (prompted otherwise)")
	_ = fs.Parse(argv)

	// Reserved flag: parsing succeeds so the operator gets a precise
	// message instead of a generic usage error.
	if opts.requireAuth {
		fmt.Fprintln(os.Stderr, "launch socket error: --require-authentication is not implemented")
		return 2
	}

	log := newLogger()
	if err := launchSocket(&opts, log); err != nil {
		log.Error().Err(err).Msg("signer stopped")
		return 1
	}
	return 0
}

func launchSocket(opts *launchOptions, log zerolog.Logger) error {
	var allowed []byte
	if opts.magicBytes != "" {
		var err error
		if allowed, err = parseMagicBytes(opts.magicBytes); err != nil {
			return err
		}
	}

	keys, err := loadKeys(opts, allowed, log)
	if err != nil {
		return err
	}
	log.Info().Int("keys", keys.Len()).Msg("keys loaded")

	chain, info, err := resolveChain(opts)
	if err != nil {
		return err
	}
	log.Info().Stringer("chain", chain).Msg("serving chain")

	var hw *watermark.HighWatermark
	if opts.checkHighWatermark {
		hw, err = watermark.New(opts.baseDir, log)
		if err != nil {
			return err
		}
		log.Info().Str("dir", opts.baseDir).Msg("high-watermark protection enabled")
	} else {
		log.Warn().Msg("high-watermark protection DISABLED")
	}

	handler := server.NewRequestHandler(keys, chain, hw,
		allowed, opts.allowListKnownKeys, opts.allowProvePossession, log)
	if hw != nil {
		handler.WithLargeGapCallback(func(c watermark.ChainID, pkh bls.PublicKeyHash, cur, next uint32) {
			log.Warn().Stringer("chain", c).Stringer("pkh", pkh).
				Uint32("current", cur).Uint32("requested", next).
				Msg("large level gap")
		}, info.BlocksPerCycle)
	}

	if opts.pidfile != "" {
		pidPath, err := filepath.Abs(opts.pidfile)
		if err != nil {
			return fmt.Errorf("pidfile: %w", err)
		}
		lock, err := lockfile.New(pidPath)
		if err != nil {
			return fmt.Errorf("pidfile: %w", err)
		}
		if err := lock.TryLock(); err != nil {
			return fmt.Errorf("pidfile %s: %w", opts.pidfile, err)
		}
		defer func() { _ = lock.Unlock() }()
		log.Info().Str("path", opts.pidfile).Msg("pidfile written")
	}

	addr := fmt.Sprintf("%s:%d", opts.address, opts.port)
	srv := server.New(addr, handler, time.Duration(opts.timeoutSec)*time.Second, log)
	if opts.maxConnections > 0 {
		srv.WithMaxConnections(int(opts.maxConnections))
	}
	return srv.Run()
}

// loadKeys prefers the plain wallet trio; when only the encrypted
// container exists the PIN is read from --pin-file or prompted.
func loadKeys(opts *launchOptions, allowed []byte, log zerolog.Logger) (*keyring.Manager, error) {
	plain := filepath.Join(opts.baseDir, keyring.SecretKeysFile)
	if raw, err := os.ReadFile(plain); err == nil { // #nosec G304 -- operator-chosen base dir.
		return keyring.ManagerFromSecretKeysJSON(raw, allowed, log)
	}

	containerPath := filepath.Join(opts.baseDir, keyring.SecretKeysFile+".enc")
	if _, err := os.Stat(containerPath); err != nil {
		return nil, fmt.Errorf("no %s or %s in %s", keyring.SecretKeysFile, keyring.SecretKeysFile+".enc", opts.baseDir)
	}
	pin, err := readPIN(opts.pinFile)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("deriving container key (several seconds)")
	return keyring.LoadEncrypted(containerPath, pin, allowed, log)
}

func readPIN(pinFile string) ([]byte, error) {
	if pinFile != "" {
		raw, err := os.ReadFile(pinFile) // #nosec G304 -- operator-chosen PIN file.
		if err != nil {
			return nil, fmt.Errorf("pin file: %w", err)
		}
		return []byte(strings.TrimSpace(string(raw))), nil
	}
	fmt.Fprint(os.Stderr, "PIN: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read PIN: %w", err)
	}
	return []byte(strings.TrimSpace(line)), nil
}

// resolveChain picks the chain id from --chain or the provisioned
// descriptor next to the keys.
func resolveChain(opts *launchOptions) (watermark.ChainID, provision.ChainInfo, error) {
	if opts.chain != "" {
		c, err := watermark.ParseChainID(opts.chain)
		if err != nil {
			return watermark.ChainID{}, provision.ChainInfo{}, err
		}
		return c, provision.ChainInfo{ID: opts.chain}, nil
	}
	info, err := provision.ReadChainInfo(filepath.Join(opts.baseDir, provision.ChainInfoFileName))
	if err != nil {
		return watermark.ChainID{}, provision.ChainInfo{}, fmt.Errorf("no --chain given and no chain descriptor: %w", err)
	}
	c, err := watermark.ParseChainID(info.ID)
	if err != nil {
		return watermark.ChainID{}, provision.ChainInfo{}, err
	}
	return c, info, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tz4-signer [--base-dir DIR] <command>

commands:
  list known addresses      list aliases and addresses
  show address <alias>      print the address and public key of an alias
  show watermarks           print the persisted signing watermarks
  launch socket [alias]     start the TCP signer (see launch socket --help)
  version                   print the version`)
}

func main() {
	baseDir := flag.String("base-dir", defaultBaseDir(), "signer data directory")
	flag.Usage = usage
	flag.Parse()
	argv := flag.Args()
	if len(argv) < 1 {
		usage()
		os.Exit(2)
	}

	switch argv[0] {
	case "version":
		fmt.Println(version)
		os.Exit(0)
	case "list":
		if len(argv) >= 3 && argv[1] == "known" && argv[2] == "addresses" {
			os.Exit(cmdListKnownAddressesMain(*baseDir))
		}
		fmt.Fprintln(os.Stderr, "usage: tz4-signer list known addresses")
		os.Exit(2)
	case "show":
		if len(argv) >= 2 && argv[1] == "address" {
			os.Exit(cmdShowAddressMain(*baseDir, argv[2:]))
		}
		if len(argv) >= 2 && argv[1] == "watermarks" {
			os.Exit(cmdShowWatermarksMain(*baseDir))
		}
		fmt.Fprintln(os.Stderr, "usage: tz4-signer show {address <alias> | watermarks}")
		os.Exit(2)
	case "launch":
		if len(argv) >= 2 && argv[1] == "socket" {
			rest := argv[2:]
			// Optional alias operand before the flags; every loaded key is
			// served either way, matching the wallet-wide socket signer.
			if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
				rest = rest[1:]
			}
			os.Exit(cmdLaunchSocketMain(*baseDir, rest))
		}
		fmt.Fprintln(os.Stderr, "usage: tz4-signer launch socket [alias] [flags]")
		os.Exit(2)
	default:
		usage()
		os.Exit(2)
	}
}
