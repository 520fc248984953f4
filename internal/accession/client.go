package accession

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mkoziy/genome/release/internal/ratelimit"
)

// ConnectOptions describe how to reach a mongo deployment.
type ConnectOptions struct {
	URI        string
	User       string
	Password   string
	AuthSource string
	// ReadPreference is a mode name such as "secondaryPreferred"; empty keeps the URI default.
	ReadPreference string
	// Direct disables topology discovery, required through a port forward.
	Direct bool
	Retry  ratelimit.Config
}

// Connect opens a client and waits until the deployment answers a ping.
func Connect(ctx context.Context, o ConnectOptions) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(o.URI)
	if o.User != "" {
		opts.SetAuth(options.Credential{
			Username:   o.User,
			Password:   o.Password,
			AuthSource: o.AuthSource,
		})
	}
	if o.ReadPreference != "" {
		mode, err := readpref.ModeFromString(o.ReadPreference)
		if err != nil {
			return nil, fmt.Errorf("read preference: %w", err)
		}
		rp, err := readpref.New(mode)
		if err != nil {
			return nil, fmt.Errorf("read preference: %w", err)
		}
		opts.SetReadPreference(rp)
	}
	if o.Direct {
		opts.SetDirect(true)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	err = ratelimit.Retry(ctx, o.Retry, func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}
