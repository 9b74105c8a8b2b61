// Command loadtest drives a relay with pairs of users exchanging direct
// messages and reports acknowledgement latency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kronos/internal/api"
	"kronos/internal/config"
	"kronos/internal/user"
	"kronos/internal/wire"
)

var (
	flagURL      string
	flagPairs    int
	flagMessages int
	flagInterval time.Duration
	flagTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "loadtest",
	Short:        "Stress a KRONOS relay with direct message traffic",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagURL, "url", "http://localhost:8080", "relay base URL")
	flags.IntVar(&flagPairs, "pairs", 50, "user pairs; each pair shares one DM channel")
	flags.IntVar(&flagMessages, "messages", 20, "messages sent by each user")
	flags.DurationVar(&flagInterval, "interval", 10*time.Millisecond, "pause between sends")
	flags.DurationVar(&flagTimeout, "ack-timeout", 3*time.Second, "how long to wait for each acknowledgement")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type stats struct {
	sent     atomic.Int64
	acked    atomic.Int64
	rejected atomic.Int64
	timedOut atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	return s.latencies[int(float64(len(s.latencies)-1)*p)]
}

func run(cmd *cobra.Command, args []string) error {
	logger := config.NewLogger("development", "info", os.Stderr)
	base := strings.TrimRight(flagURL, "/")
	st := &stats{}

	logger.Info().Int("users", flagPairs*2).Int("messages", flagMessages).Msg("starting load test")
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < flagPairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()
			if err := runPair(cmd.Context(), base, pair, st, logger); err != nil {
				logger.Error().Err(err).Int("pair", pair).Msg("pair failed")
			}
		}(i)
	}
	wg.Wait()

	logger.Info().
		Dur("took", time.Since(start)).
		Int64("sent", st.sent.Load()).
		Int64("acked", st.acked.Load()).
		Int64("rejected", st.rejected.Load()).
		Int64("timed_out", st.timedOut.Load()).
		Dur("p50", st.percentile(0.50)).
		Dur("p99", st.percentile(0.99)).
		Msg("load test complete")
	return nil
}

func runPair(ctx context.Context, base string, pair int, st *stats, logger zerolog.Logger) error {
	a, err := authenticate(ctx, base, fmt.Sprintf("lt%da", pair), logger)
	if err != nil {
		return err
	}
	b, err := authenticate(ctx, base, fmt.Sprintf("lt%db", pair), logger)
	if err != nil {
		return err
	}

	created, err := a.client.StartConversation(ctx, b.id)
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}

	var wg sync.WaitGroup
	for _, u := range []*account{a, b} {
		wg.Add(1)
		go func(u *account) {
			defer wg.Done()
			if err := spam(base, u, created.Channel.ID, st); err != nil {
				logger.Warn().Err(err).Str("user", u.name).Msg("sender stopped")
			}
		}(u)
	}
	wg.Wait()
	return nil
}

type account struct {
	name   string
	id     string
	client *api.Client
}

// authenticate registers the user, falling back to login when it exists.
func authenticate(ctx context.Context, base, name string, logger zerolog.Logger) (*account, error) {
	const password = "password123"
	client := api.New(base, "", nil, logger)
	res, err := client.Register(ctx, user.RegisterRequest{Username: name, Password: password})
	if api.IsStatus(err, http.StatusConflict) {
		res, err = client.Login(ctx, name, password)
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", name, err)
	}
	return &account{name: name, id: res.ID, client: client}, nil
}

// spam sends flagMessages frames and waits for each acknowledgement in
// turn. Pushes that arrive in between are skipped.
func spam(base string, u *account, channelID string, st *stats) error {
	conn, _, err := websocket.DefaultDialer.Dial(config.WSURLFor(base)+"?token="+u.client.Token(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	for i := 1; i <= flagMessages; i++ {
		f, err := wire.NewFrame(wire.EventSendMessage, wire.SendMessage{
			ChannelID: channelID,
			Content:   fmt.Sprintf("load test message %d from %s", i, u.name),
			ClientID:  fmt.Sprintf("%s-%d", u.name, i),
		})
		if err != nil {
			return err
		}
		f.Ack = uint64(i)

		sentAt := time.Now()
		if err := conn.WriteJSON(f); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		st.sent.Add(1)

		ack, err := awaitAck(conn, f.Ack, sentAt.Add(flagTimeout))
		switch {
		case errors.Is(err, errTimeout):
			st.timedOut.Add(1)
		case err != nil:
			return err
		case ack.Status == wire.StatusOK:
			st.acked.Add(1)
			st.observe(time.Since(sentAt))
		default:
			st.rejected.Add(1)
		}
		time.Sleep(flagInterval)
	}
	return nil
}

var errTimeout = errors.New("ack timeout")

func awaitAck(conn *websocket.Conn, id uint64, deadline time.Time) (wire.SendAck, error) {
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return wire.SendAck{}, errTimeout
			}
			return wire.SendAck{}, err
		}
		f, err := wire.ParseFrame(raw)
		if err != nil || !f.Reply || f.Ack != id {
			continue
		}
		var ack wire.SendAck
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			return wire.SendAck{}, err
		}
		return ack, nil
	}
}
