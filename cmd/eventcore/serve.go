package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/eventcore/examples/thread"
	"github.com/wilhg/eventcore/pkg/aggregate"
	"github.com/wilhg/eventcore/pkg/errmodel"
	"github.com/wilhg/eventcore/pkg/event"
	"github.com/wilhg/eventcore/pkg/runtime"
)

const correlationHeader = "X-Correlation-Id"

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the thread HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	server := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           otelhttp.NewHandler(buildMux(a), "eventcore"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Addr)
		errc <- server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.events.DB().PingContext(r.Context()); err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Storage("ping", err))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title string `json:"title"`
			Owner string `json:"owner"`
		}
		if !decode(w, r, &body) {
			return
		}
		a.execute(w, r, http.StatusCreated, thread.Start(body.Title, body.Owner))
	})

	mux.HandleFunc("POST /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID     string `json:"id"`
			Author string `json:"author"`
			Body   string `json:"body"`
		}
		if !decode(w, r, &body) {
			return
		}
		if body.ID == "" {
			body.ID = uuid.NewString()
		}
		var opts []aggregate.EmitOption
		if cid := r.Header.Get(correlationHeader); cid != "" {
			opts = append(opts, aggregate.WithMetadata(event.MetaCorrelationID, cid))
		}
		a.execute(w, r, http.StatusCreated, thread.Post(body.ID, body.Author, body.Body, opts...))
	})

	mux.HandleFunc("DELETE /threads/{id}/messages/{msg}", func(w http.ResponseWriter, r *http.Request) {
		a.execute(w, r, http.StatusOK, thread.Remove(r.PathValue("msg")))
	})

	mux.HandleFunc("POST /threads/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 && !decode(w, r, &body) {
			return
		}
		a.execute(w, r, http.StatusOK, thread.Close(body.Reason))
	})

	mux.HandleFunc("GET /threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		sum, err := a.summaries.Get(r.Context(), id)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		if !sum.Exists() {
			errmodel.WriteHTTP(w, r, errmodel.Validation("not_found", "thread "+id+" not found", map[string]any{"thread_id": id}))
			return
		}
		writeJSON(w, http.StatusOK, sum.Value)
	})
	return mux
}

// execute runs cmd against the thread named in the path. A dispatch failure
// after a successful commit is logged and the write still reported.
func (a *app) execute(w http.ResponseWriter, r *http.Request, status int, cmd runtime.Command[thread.State]) {
	id := r.PathValue("id")
	committed, err := a.exec.Execute(r.Context(), id, cmd)
	if err != nil && len(committed) == 0 {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	resp := map[string]any{"id": id, "version": event.LastSeq(committed)}
	if err != nil {
		a.logger.WarnContext(r.Context(), "committed but not fully dispatched", "thread_id", id, "error", err)
		resp["dispatch_error"] = errmodel.From(err)
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_json", err.Error(), nil))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
