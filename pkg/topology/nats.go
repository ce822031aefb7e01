package topology

import (
	"fmt"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"
)

// NATSWatcher turns messages on a NATS subject into stale signals. Operators
// (or cluster tooling) publish on the subject after resharding or failover so
// clients refresh without waiting for a redirection.
type NATSWatcher struct {
	nc  *natsgo.Conn
	sub *natsgo.Subscription
	log *slog.Logger
}

// WatchNATS connects to url and subscribes to subject on behalf of m.
func WatchNATS(url, subject string, m *Map, log *slog.Logger) (*NATSWatcher, error) {
	nc, err := natsgo.Connect(url,
		natsgo.Name("clustermir-topology"),
		natsgo.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	w := &NATSWatcher{nc: nc, log: log}
	w.sub, err = nc.Subscribe(subject, func(msg *natsgo.Msg) {
		log.Debug("topology change announced",
			slog.String("subject", msg.Subject),
			slog.Int("bytes", len(msg.Data)))
		m.MarkStale()
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return w, nil
}

// Close unsubscribes and closes the connection.
func (w *NATSWatcher) Close() error {
	err := w.sub.Unsubscribe()
	w.nc.Close()
	return err
}

// AnnounceChange publishes a topology change notification on subject.
func AnnounceChange(nc *natsgo.Conn, subject, reason string) error {
	if err := nc.Publish(subject, []byte(reason)); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nc.Flush()
}
