package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"storyline/internal/app"
	"storyline/internal/engine"
	"storyline/internal/server"
	"storyline/internal/watch"
	storylinesdk "storyline/sdk/go"
)

func newHub(e engine.Engine) *watch.Hub {
	return watch.NewHub(watch.Options{
		Tasks:     e.Tasks,
		Cache:     e.Cache,
		Debounce:  e.Config.Watch.Debounce,
		Heartbeat: e.Config.Watch.Heartbeat,
		OnUpdate:  e.RecordTasksUpdated,
	})
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspaceEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowLegacy,
				}
				if authCfg.JWTSecret == "" {
					log.Warn().Msg("STORYLINE_JWT_SECRET not set; API is unauthenticated")
				}
				hub := newHub(e)
				handler, err := server.New(server.Config{Engine: e, Hub: hub, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}

				g, gctx := errgroup.WithContext(ctx)
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
					BaseContext:       func(net.Listener) context.Context { return gctx },
				}
				g.Go(func() error { return hub.Run(gctx) })
				g.Go(func() error {
					log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving storyline API")
					fmt.Printf("Serving Storyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from storyline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from storyline.yml)")
	cmd.Flags().BoolVar(&allowLegacy, "allow-actor-header", false, "accept X-Actor-Id without a token when auth is enabled")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func watchCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print task store changes as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				return sdkClient().Stream(cmd.Context(), func(p storylinesdk.Push) error {
					printPush(os.Stdout, p.Type, p.Timestamp, len(p.Tasks), p.Error)
					return nil
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				hub := newHub(e)
				out := newPushPrinter(os.Stdout, viper.GetBool("json"))
				handle, err := hub.Subscribe(ctx, projectID, out)
				if err != nil {
					return err
				}
				defer hub.Unsubscribe(handle)
				return hub.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "follow a running server's stream instead of watching locally")
	return cmd
}

// pushPrinter writes hub events one line at a time. The debounce timer and
// the heartbeat ticker deliver on different goroutines.
type pushPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	enc  *json.Encoder
	json bool
}

func newPushPrinter(w io.Writer, asJSON bool) *pushPrinter {
	return &pushPrinter{w: w, enc: json.NewEncoder(w), json: asJSON}
}

func (p *pushPrinter) Send(ev watch.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		return p.enc.Encode(ev)
	}
	printPush(p.w, ev.Type, ev.Timestamp, len(ev.Tasks), ev.Error)
	return nil
}

func printPush(w io.Writer, kind string, at time.Time, tasks int, msg string) {
	ts := at.Local().Format(time.TimeOnly)
	switch kind {
	case watch.EventTasksUpdated:
		fmt.Fprintf(w, "%s %s: %d tasks\n", ts, kind, tasks)
	case watch.EventError:
		fmt.Fprintf(w, "%s %s: %s\n", ts, kind, msg)
	default:
		fmt.Fprintf(w, "%s %s\n", ts, kind)
	}
}

func cacheCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear a running server's view cache",
	}
	c.AddCommand(cacheClearCmd())
	c.AddCommand(cacheStatusCmd())
	return c
}

func sdkClient() *storylinesdk.Client {
	project := viper.GetString("project")
	if project == "" {
		project = os.Getenv(app.DefaultProjectEnv)
	}
	c := storylinesdk.New(viper.GetString("server"), project)
	c.BearerToken = viper.GetString("token")
	c.ActorID = viper.GetString("actor-id")
	return c
}

func cacheClearCmd() *cobra.Command {
	var view string
	var all bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop cached views",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := sdkClient().ClearCache(cmd.Context(), storylinesdk.ClearCacheOptions{
				ProjectID: viper.GetString("project"),
				ViewType:  view,
				All:       all,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"removed": removed})
			}
			fmt.Printf("Removed %d cache entries\n", removed)
			return nil
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "view type: hierarchy, validation or dashboard")
	cmd.Flags().BoolVar(&all, "all", false, "clear every entry")
	return cmd
}

func cacheStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sdkClient().CacheStatus(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"View", "Fresh", "Expired"})
			views := make([]string, 0, len(st.ByView))
			for v := range st.ByView {
				views = append(views, v)
			}
			sort.Strings(views)
			for _, v := range views {
				tw.AppendRow(table.Row{v, st.ByView[v].Fresh, st.ByView[v].Expired})
			}
			tw.AppendFooter(table.Row{"Total", st.Fresh, st.Expired})
			tw.Render()
			if st.Total > 0 {
				fmt.Printf("Oldest entry %s, newest %s\n",
					time.Duration(st.OldestAgeMs)*time.Millisecond, time.Duration(st.NewestAgeMs)*time.Millisecond)
			}
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API credentials"}
	a.AddCommand(authTokenCmd())
	return a
}

func authTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with STORYLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	return cmd
}
