package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"voting-client/blockchain/mxe"
	"voting-client/blockchain/pda"
	"voting-client/blockchain/rpc"
	"voting-client/service"
)

type ctxKey string

const configContextKey ctxKey = "voting.config"

const envPrefix = "voting"

const (
	DefaultProgramID   = "BNQXm38ecbMHG8fVNBPL9ZgmXyERpMJxFZkfD7cKE2Fm"
	DefaultRPCURL      = "https://api.devnet.solana.com"
	DefaultDefinitions = "idl/primedao.json"
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	ProgramID   string `yaml:"programId"   split_words:"true"`
	RPCURL      string `yaml:"rpcUrl"      envconfig:"RPC_URL"`
	WSURL       string `yaml:"wsUrl"       envconfig:"WS_URL"`
	Commitment  string `yaml:"commitment"`
	Definitions string `yaml:"definitions"`
	KeypairPath string `yaml:"keypairPath" split_words:"true"`
	ListenAddr  string `yaml:"listenAddr"  split_words:"true"`
	Metrics     bool   `yaml:"metrics"`
	// AccountEncoding is requested for account reads: base64 or base64+zstd.
	AccountEncoding string `yaml:"accountEncoding" split_words:"true"`

	ArciumProgramID string `yaml:"arciumProgramId" split_words:"true"`
	MXEProgramID    string `yaml:"mxeProgramId"    envconfig:"MXE_PROGRAM_ID"`
	// ClusterOffset is unset unless configured; explicit cluster accounts
	// are then required.
	ClusterOffset      *uint32 `yaml:"clusterOffset"      split_words:"true"`
	MXEAccount         string  `yaml:"mxeAccount"         envconfig:"MXE_ACCOUNT"`
	MempoolAccount     string  `yaml:"mempoolAccount"     split_words:"true"`
	ExecutingPool      string  `yaml:"executingPool"      split_words:"true"`
	ComputationAccount string  `yaml:"computationAccount" split_words:"true"`
	CompDefAccount     string  `yaml:"compDefAccount"     split_words:"true"`
	ClusterAccount     string  `yaml:"clusterAccount"     split_words:"true"`
	CircuitName        string  `yaml:"circuitName"        split_words:"true"`

	// MXE key lookup bounds.
	LookupAttempts int           `yaml:"lookupAttempts" split_words:"true"`
	LookupInterval time.Duration `yaml:"lookupInterval" split_words:"true"`
}

func defaultConfig() *Config {
	return &Config{
		ProgramID:       DefaultProgramID,
		RPCURL:          DefaultRPCURL,
		Commitment:      rpc.CommitmentConfirmed,
		AccountEncoding: rpc.EncodingBase64,
		Definitions:     DefaultDefinitions,
		KeypairPath:     "~/.config/solana/id.json",
		ListenAddr:      ":8080",
		Metrics:         true,
		ArciumProgramID: pda.DefaultArciumProg,
		CircuitName:     service.DefaultCircuitName,
		LookupAttempts:  mxe.DefaultLookupAttempts,
		LookupInterval:  mxe.DefaultLookupInterval,
	}
}

// LoadConfig applies, in order, the defaults, the YAML file (if any) and
// VOTING_* environment variables.
func LoadConfig(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".voting", "voting.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize derives the websocket endpoint when it is unset and validates
// the result. Callers that change RPCURL after loading must clear WSURL
// and call it again.
func (c *Config) Finalize() error {
	if c.WSURL == "" {
		ws, err := websocketURL(c.RPCURL)
		if err != nil {
			return err
		}
		c.WSURL = ws
	}
	return c.Validate()
}

// Validate checks every configured address.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpcUrl is required")
	}
	switch c.AccountEncoding {
	case rpc.EncodingBase64, rpc.EncodingBase64Zstd:
	default:
		return fmt.Errorf("accountEncoding must be %s or %s, got %q",
			rpc.EncodingBase64, rpc.EncodingBase64Zstd, c.AccountEncoding)
	}
	if c.LookupAttempts < 1 {
		return fmt.Errorf("lookupAttempts must be positive, got %d", c.LookupAttempts)
	}

	for name, value := range map[string]string{
		"programId":          c.ProgramID,
		"arciumProgramId":    c.ArciumProgramID,
		"mxeProgramId":       c.MXEProgramID,
		"mxeAccount":         c.MXEAccount,
		"mempoolAccount":     c.MempoolAccount,
		"executingPool":      c.ExecutingPool,
		"computationAccount": c.ComputationAccount,
		"compDefAccount":     c.CompDefAccount,
		"clusterAccount":     c.ClusterAccount,
	} {
		if value == "" {
			continue
		}
		if _, err := pda.ParsePublicKey(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.ProgramID == "" || c.ArciumProgramID == "" {
		return errors.New("programId and arciumProgramId are required")
	}
	return nil
}

// ServiceConfig returns the voting service settings.
func (c *Config) ServiceConfig() (service.Config, error) {
	program, err := pda.ParsePublicKey(c.ProgramID)
	if err != nil {
		return service.Config{}, fmt.Errorf("invalid programId: %w", err)
	}
	arcium, err := pda.ParsePublicKey(c.ArciumProgramID)
	if err != nil {
		return service.Config{}, fmt.Errorf("invalid arciumProgramId: %w", err)
	}
	compDef, err := optionalKey(c.CompDefAccount)
	if err != nil {
		return service.Config{}, fmt.Errorf("invalid compDefAccount: %w", err)
	}
	return service.Config{
		ProgramID:         program,
		ArciumProgramID:   arcium,
		CircuitName:       c.CircuitName,
		CompDefAccount:    compDef,
		DefinitionsSource: c.Definitions,
	}, nil
}

// MXEConfig returns the cluster resolution settings.
func (c *Config) MXEConfig() (mxe.Config, error) {
	program, err := pda.ParsePublicKey(c.ProgramID)
	if err != nil {
		return mxe.Config{}, fmt.Errorf("invalid programId: %w", err)
	}
	cfg := mxe.Config{ProgramID: program, ClusterOffset: c.ClusterOffset}

	for _, f := range []struct {
		value string
		dst   **pda.PublicKey
	}{
		{c.MXEProgramID, &cfg.MXEProgramID},
		{c.MXEAccount, &cfg.MXEAccount},
		{c.MempoolAccount, &cfg.MempoolAccount},
		{c.ExecutingPool, &cfg.ExecutingPool},
		{c.ClusterAccount, &cfg.ClusterAccount},
		{c.ComputationAccount, &cfg.ComputationAccount},
	} {
		key, err := optionalKey(f.value)
		if err != nil {
			return mxe.Config{}, err
		}
		*f.dst = key
	}
	return cfg, nil
}

// Keypair returns KeypairPath with a leading ~ expanded.
func (c *Config) Keypair() string {
	if rest, ok := strings.CutPrefix(c.KeypairPath, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return c.KeypairPath
}

func optionalKey(value string) (*pda.PublicKey, error) {
	if value == "" {
		return nil, nil
	}
	key, err := pda.ParsePublicKey(value)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// websocketURL maps the RPC endpoint to its pubsub endpoint: http(s)
// becomes ws(s) and an explicit port moves up by one.
func websocketURL(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", fmt.Errorf("invalid rpcUrl: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid rpcUrl scheme %q", u.Scheme)
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return "", fmt.Errorf("invalid rpcUrl port: %w", err)
		}
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(n+1))
	}
	return u.String(), nil
}
