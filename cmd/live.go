package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/victornm/mutely/internal/countdown"
	"github.com/victornm/mutely/internal/detector"
	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/event"
	"github.com/victornm/mutely/internal/live"
	"github.com/victornm/mutely/internal/server"
	"github.com/victornm/mutely/internal/session"
	"github.com/victornm/mutely/internal/store"
	"github.com/victornm/mutely/internal/violation"
)

var liveParticipantID string

func newLiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Follow a session as one participant, reading app states from stdin",
		Long: `Follow a session as one participant. Each stdin line is one of
active, inactive, background (app state changes), leave or end.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return runLive(cmd.Context(), c, os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&liveParticipantID, "participant", "", "participant id of this device")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

func runLive(ctx context.Context, c server.Config, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	db, err := store.Connect(ctx, c.Postgres)
	if err != nil {
		return fmt.Errorf("live: connect postgres: %w", err)
	}
	defer db.Close()

	rc, err := server.ConnectRedis(c.Redis.Pubsub, "pubsub")
	if err != nil {
		return fmt.Errorf("live: connect redis: %w", err)
	}
	defer rc.Close()

	eb := event.NewBus()
	defer eb.Stop()

	st := store.NewPostgres(db)
	sessions := session.NewService(session.Config{
		Store:    st,
		EventBus: eb,
		Redis:    rc,
		Prefix:   c.Redis.Pubsub.Prefix,
		CodeTTL:  c.Session.CodeTTL,
	})
	violations := violation.NewService(violation.Config{
		Store:    st,
		EventBus: eb,
	})

	self, err := sessions.GetParticipant(ctx, liveParticipantID)
	if err != nil {
		return fmt.Errorf("live: participant: %w", err)
	}
	ss, err := sessions.GetSession(ctx, self.SessionID)
	if err != nil {
		return fmt.Errorf("live: session: %w", err)
	}

	ctl := live.New(live.Config{
		Session:      *ss,
		Participant:  *self,
		Source:       st,
		Sessions:     sessions,
		Violations:   violations,
		Callbacks:    printer(out),
		PollInterval: c.Poller.Interval,
	})
	defer ctl.Stop()

	if err := ctl.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s (%s), you are %s\n", ss.Code, ss.Name, ss.Phase, self.Name)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ctl.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, ctl, line); err != nil {
				slog.ErrorContext(ctx, "live: command failed", "command", line, "error", err)
			}
		}
	}
}

func handleLine(ctx context.Context, ctl *live.Controller, line string) error {
	switch line {
	case "":
		return nil
	case "leave":
		return ctl.Leave(ctx)
	case "end":
		return ctl.End(ctx)
	}

	s, err := detector.ParseAppState(line)
	if err != nil {
		return err
	}
	return ctl.HandleStateChange(ctx, s)
}

func printer(out io.Writer) live.Callbacks {
	var (
		mu   sync.Mutex
		last = -1
	)
	return live.Callbacks{
		OnTick: func(remaining int) {
			mu.Lock()
			defer mu.Unlock()
			// one line per minute, and the final ten seconds
			if remaining == last || (remaining%60 != 0 && remaining > 10) {
				return
			}
			last = remaining
			fmt.Fprintf(out, "%s left\n", countdown.FormatClock(time.Duration(remaining)*time.Second))
		},
		OnViolation: func(v domain.Violation, stayed time.Duration) {
			fmt.Fprintf(out, "%s broke the silence after %s (%s)\n", v.ParticipantName, countdown.FormatClock(stayed), v.Event.Type)
		},
		OnReturnWarning: func() {
			fmt.Fprintln(out, "you left the session, everybody has been told")
		},
		OnParticipantJoined: func(p domain.Participant) {
			fmt.Fprintf(out, "%s is here\n", p.Name)
		},
		OnParticipantLeft: func(p domain.Participant) {
			fmt.Fprintf(out, "%s left\n", p.Name)
		},
		OnFinished: func(reason live.FinishReason) {
			fmt.Fprintf(out, "session over (%s)\n", reason)
		},
	}
}
