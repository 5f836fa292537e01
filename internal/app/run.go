// Package app wires the transport, chat engine and call controller into a
// headless client process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/roomchat/internal/api"
	"github.com/petervdpas/roomchat/internal/call"
	"github.com/petervdpas/roomchat/internal/chat"
	"github.com/petervdpas/roomchat/internal/config"
	"github.com/petervdpas/roomchat/internal/identity"
	"github.com/petervdpas/roomchat/internal/storage"
	"github.com/petervdpas/roomchat/internal/transport"
	"github.com/petervdpas/roomchat/internal/util"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	CfgPath string
	Cfg     config.Config

	// Console input and output. A nil In runs without the console.
	In  io.Reader
	Out io.Writer
}

// Run starts the client and blocks until ctx ends or the console quits.
func Run(ctx context.Context, opt Options) error {
	logBuf := NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := opt.Cfg
	client := api.NewClient(cfg.Server.APIURL, cfg.Identity.Token)

	id, err := resolveIdentity(ctx, client, cfg.Identity)
	if err != nil {
		return err
	}
	logBanner(opt.CfgPath, id.UserID, cfg.Server.APIURL, cfg.Server.SocketURL)

	dataDir := util.ResolvePath(filepath.Dir(opt.CfgPath), cfg.Storage.DataDir)
	db, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	if err := db.SetMeta("last_user_id", id.UserID); err != nil {
		log.Printf("STORAGE: %v", err)
	}

	conn := transport.New(transport.Options{
		URL:    cfg.Server.SocketURL,
		Token:  id.Token,
		UserID: id.UserID,
	})
	defer conn.Disconnect()

	engine := chat.New(client, conn, db, chat.Options{
		SelfID:               id.UserID,
		MessagePageSize:      cfg.Chat.MessagePageSize,
		ConversationPageSize: cfg.Chat.ConversationPageSize,
		MaxConversationPages: cfg.Chat.MaxConversationPages,
		RefreshDebounce:      time.Duration(cfg.Chat.RefreshDebounceMillis) * time.Millisecond,
	})
	defer engine.Close()

	media, err := call.NewDeviceSource(cfg.Call)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	peers := call.NewPionFactory(cfg.Call, media.Populate)
	calls := call.New(conn, call.Options{
		Media:    media,
		Peers:    peers,
		Playback: meterPlaybacks{},
	})
	defer calls.Close()

	subs := append(engine.Attach(conn), calls.Attach(conn)...)
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
	}()
	focusCaller(calls, engine)

	conn.OnReady(func() {
		engine.Rejoin()
		engine.LoadConversations()
	})
	conn.OnStatus(func(up bool) {
		if !up {
			log.Printf("TRANSPORT: disconnected; use /connect to reconnect")
		}
	})

	if w, err := config.Watch(opt.CfgPath, cfg.Call, func(c config.Call) {
		media.SetConfig(c)
		peers.SetConfig(c)
	}); err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer w.Close()
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(NormalizeLocalAddr(cfg.Metrics.Addr), logBuf)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if err := conn.Connect(ctx); err != nil {
		log.Printf("TRANSPORT: %v", err)
	}

	if opt.In != nil {
		con := &console{
			out:    opt.Out,
			client: client,
			conn:   conn,
			chat:   engine,
			calls:  calls,
			drafts: db,
			users:  db,
			logs:   logBuf,
			quit:   cancel,
		}
		if con.out == nil {
			con.out = os.Stdout
		}
		go con.watch(ctx)
		go con.run(ctx, opt.In)
	}

	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}

// focusCaller selects the caller's conversation when a call rings in.
func focusCaller(calls *call.Controller, engine *chat.Engine) {
	calls.OnIncoming(func(s call.Snapshot) {
		engine.FocusParticipant(s.RemoteUserID)
	})
}

// resolveIdentity turns the configured token, or a sign-in with the
// configured credentials, into the user's identity and installs the token
// on the client.
func resolveIdentity(ctx context.Context, client *api.Client, cfg config.Identity) (identity.Identity, error) {
	token := cfg.Token
	if token == "" {
		if cfg.Email == "" {
			return identity.Identity{}, errors.New("no identity: set identity.token, " + config.EnvToken + " or identity.email/password")
		}
		res, err := client.SignIn(ctx, api.SignInRequest{Email: cfg.Email, Password: cfg.Password})
		if err != nil {
			return identity.Identity{}, fmt.Errorf("sign in: %w", err)
		}
		token = res.AccessToken
	}

	id, err := identity.FromToken(token)
	if err != nil {
		return identity.Identity{}, err
	}
	client.SetToken(id.Token)

	v, err := client.Verify(ctx)
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		return identity.Identity{}, fmt.Errorf("token rejected: %w", err)
	case err != nil:
		log.Printf("API: token verification unavailable: %v", err)
	case !v.Valid:
		return identity.Identity{}, errors.New("token rejected by identity service")
	case v.UserID != "" && v.UserID != id.UserID:
		log.Printf("API: identity service reports user %s (token says %s)", v.UserID, id.UserID)
		id.UserID = v.UserID
	}
	return id, nil
}

func serveMetrics(addr string, logs *LogBuffer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/logs", logs)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("METRICS: %v", err)
		}
	}()
	log.Printf("METRICS: serving on http://%s/metrics", addr)
	return srv
}
