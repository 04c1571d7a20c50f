package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/pkg/auth"
	"github.com/marmos91/rpcgate/pkg/registry"
	"github.com/marmos91/rpcgate/pkg/server"
	"github.com/mitchellh/mapstructure"
)

// decodeOptions decodes a type-specific options map into out. Durations
// may be given as strings ("10s").
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(options)
}

// AllowlistOptions are the options of the "allowlist" authenticator.
type AllowlistOptions struct {
	AllowedClients []string `mapstructure:"allowed_clients"`
	DeniedClients  []string `mapstructure:"denied_clients"`
}

// TLSOptions are the options of the "tls" authenticator.
type TLSOptions struct {
	CertFile         string        `mapstructure:"cert_file"`
	KeyFile          string        `mapstructure:"key_file"`
	ClientCAFile     string        `mapstructure:"client_ca_file"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// CreateAuthenticator creates the connection authenticator selected by cfg.
//
// Returns nil for type "none": the server then accepts every connection
// with nil credentials. With type "tls" a non-empty allow-list is checked
// before the handshake.
func CreateAuthenticator(cfg *AuthConfig) (server.Authenticator, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil

	case "allowlist":
		allowlist, err := createAllowlist(cfg.Allowlist)
		if err != nil {
			return nil, err
		}
		return allowlist, nil

	case "tls":
		var opts TLSOptions
		if err := decodeOptions(cfg.TLS, &opts); err != nil {
			return nil, fmt.Errorf("failed to decode tls auth config: %w", err)
		}
		tlsAuth, err := auth.NewTLSAuthenticator(auth.TLSConfig{
			CertFile:         opts.CertFile,
			KeyFile:          opts.KeyFile,
			ClientCAFile:     opts.ClientCAFile,
			HandshakeTimeout: opts.HandshakeTimeout,
		})
		if err != nil {
			return nil, err
		}

		if len(cfg.Allowlist) == 0 {
			return tlsAuth, nil
		}
		allowlist, err := createAllowlist(cfg.Allowlist)
		if err != nil {
			return nil, err
		}
		return auth.Chain{allowlist, tlsAuth}, nil

	default:
		return nil, fmt.Errorf("unknown auth type: %q", cfg.Type)
	}
}

func createAllowlist(options map[string]any) (*auth.Allowlist, error) {
	var opts AllowlistOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode allowlist auth config: %w", err)
	}
	return auth.NewAllowlist(opts.AllowedClients, opts.DeniedClients)
}

// UDPRegistryOptions are the options of the "udp" registry.
type UDPRegistryOptions struct {
	Address  string        `mapstructure:"address"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

// BadgerRegistryOptions are the options of the "badger" registry.
type BadgerRegistryOptions struct {
	DBPath   string        `mapstructure:"db_path"`
	InMemory bool          `mapstructure:"in_memory"`
	Host     string        `mapstructure:"host"`
	Interval time.Duration `mapstructure:"interval"`
}

// S3RegistryOptions are the options of the "s3" registry.
type S3RegistryOptions struct {
	Region          string        `mapstructure:"region"`
	Bucket          string        `mapstructure:"bucket"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Host            string        `mapstructure:"host"`
	Interval        time.Duration `mapstructure:"interval"`
}

// CreateRegistrar creates the registrar selected by cfg.
//
// Returns nil for type "none". The returned registrar may hold resources
// (the badger registrar owns a database); callers close it if it
// implements io.Closer.
//
// The context is used for loading the AWS configuration only.
func CreateRegistrar(ctx context.Context, cfg *RegistryConfig) (server.Registrar, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	switch cfg.Type {
	case "", "none":
		return nil, nil

	case "udp":
		var opts UDPRegistryOptions
		if err := decodeOptions(cfg.UDP, &opts); err != nil {
			return nil, fmt.Errorf("failed to decode udp registry config: %w", err)
		}
		r, err := registry.NewUDPRegistrar(registry.UDPConfig(opts))
		if err != nil {
			return nil, err
		}
		return r, nil

	case "badger":
		var opts BadgerRegistryOptions
		if err := decodeOptions(cfg.Badger, &opts); err != nil {
			return nil, fmt.Errorf("failed to decode badger registry config: %w", err)
		}
		r, err := registry.NewBadgerRegistrar(registry.BadgerConfig(opts))
		if err != nil {
			return nil, err
		}
		logger.Info("Badger registry initialized: path=%s", opts.DBPath)
		return r, nil

	case "s3":
		r, err := createS3Registrar(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return r, nil

	default:
		return nil, fmt.Errorf("unknown registry type: %q", cfg.Type)
	}
}

// createS3Registrar builds an S3 client from options and wraps it in a
// registrar.
func createS3Registrar(ctx context.Context, options map[string]any) (*registry.S3Registrar, error) {
	var opts S3RegistryOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode s3 registry config: %w", err)
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 registry: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("s3 registry: region is required")
	}

	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}

	r, err := registry.NewS3Registrar(registry.S3Config{
		Client:    client,
		Bucket:    opts.Bucket,
		KeyPrefix: opts.KeyPrefix,
		Host:      opts.Host,
		Interval:  opts.Interval,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("S3 registry initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)
	return r, nil
}

// newS3Client loads the AWS configuration for opts.
//
// A custom endpoint (MinIO, Localstack) switches to path-style addressing.
// Static credentials are used when both keys are set, otherwise the default
// credential chain applies.
func newS3Client(ctx context.Context, opts S3RegistryOptions) (*s3.Client, error) {
	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(opts.Region),
	}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// CreateStrategy creates the dispatch strategy named by cfg.Strategy.
func CreateStrategy(cfg *ServerConfig) (server.Strategy, error) {
	switch cfg.Strategy {
	case "", "threaded":
		return server.NewThreaded(), nil

	case "pooled":
		var opts []server.PooledOption
		if cfg.QueueSize != nil {
			opts = append(opts, server.WithQueueSize(*cfg.QueueSize))
		}
		return server.NewPooled(cfg.PoolSize, opts...), nil

	case "forking":
		f, err := server.NewForking(server.ForkingOptions{})
		if err != nil {
			return nil, err
		}
		return f, nil

	default:
		return nil, fmt.Errorf("unknown strategy: %q", cfg.Strategy)
	}
}

// ServerSettings maps cfg onto a server.Config carrying the given
// authenticator and registrar.
func ServerSettings(cfg *Config, authenticator server.Authenticator, registrar server.Registrar) server.Config {
	return server.Config{
		Hostname:                cfg.Server.Hostname,
		Port:                    cfg.Server.Port,
		IPv6:                    cfg.Server.IPv6,
		Backlog:                 cfg.Server.Backlog,
		ReuseAddress:            cfg.Server.ReuseAddress,
		Authenticator:           authenticator,
		Registrar:               registrar,
		AutoRegister:            cfg.Registry.AutoRegister,
		ProtocolConfig:          cfg.Protocol,
		PoolSize:                cfg.Server.PoolSize,
		MaxConnectionsPerSecond: cfg.Server.MaxConnectionsPerSecond,
		ShutdownTimeout:         cfg.Server.ShutdownTimeout,
		MetricsLogInterval:      cfg.Server.MetricsLogInterval,
	}
}
