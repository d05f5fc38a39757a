package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/fetch/internal/config"
	"github.com/NamanBalaji/fetch/internal/logger"
	"github.com/NamanBalaji/fetch/internal/repository"
	"github.com/NamanBalaji/fetch/pkg/fetch"
)

// pairs collects repeated name=value flags in order.
type pairs struct {
	keys   []string
	values []string
}

func (p *pairs) String() string {
	parts := make([]string, len(p.keys))
	for i := range p.keys {
		parts[i] = p.keys[i] + "=" + p.values[i]
	}
	return strings.Join(parts, ",")
}

func (p *pairs) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	p.keys = append(p.keys, k)
	p.values = append(p.values, val)
	return nil
}

func (p *pairs) form() map[string]string {
	if len(p.keys) == 0 {
		return nil
	}
	m := make(map[string]string, len(p.keys))
	for i, k := range p.keys {
		m[k] = p.values[i]
	}
	return m
}

func (p *pairs) cookies() []*http.Cookie {
	cookies := make([]*http.Cookie, len(p.keys))
	for i, k := range p.keys {
		cookies[i] = &http.Cookie{Name: k, Value: p.values[i]}
	}
	return cookies
}

// printer serialises status lines from concurrent sessions.
type printer struct {
	mu sync.Mutex
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(os.Stderr, format, args...)
}

func (p *printer) observer() fetch.Observer {
	return fetch.ObserverFuncs{
		OnStatus: func(s *fetch.Session, code int, length int64) {
			size := "unknown size"
			if length >= 0 {
				size = humanize.Bytes(uint64(length))
			}
			p.printf("[%d] %d %s (%s)\n", s.Tag(), code, s.URL(), size)
		},
		OnFinish: func(s *fetch.Session) {
			p.printf("[%d] done %s, %s\n", s.Tag(), s.URL(), humanize.Bytes(uint64(len(s.Data()))))
		},
		OnFail: func(s *fetch.Session) {
			p.printf("[%d] failed %s: %v\n", s.Tag(), s.URL(), s.Err())
		},
	}
}

var errUsage = errors.New("usage: fetch [flags] URL...")

func main() {
	err := run()
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err != nil {
		os.Exit(1)
	}
}

func run() error {
	var form, cookies pairs

	debug := flag.Bool("debug", false, "Enable debug logging")
	retry := flag.Bool("retry", false, "Retry once after a transient transport error")
	timeout := flag.Duration("timeout", 0, "Per-attempt timeout (0 uses the configured value)")
	hash := flag.String("hash", "", "Opaque hash carried with every fetch")
	tag := flag.Int("tag", 1, "Tag of the first URL; later URLs count up from it")
	output := flag.String("o", "", "Write the body to this file (single URL only)")
	envFile := flag.String("env", ".env", "Environment file with FETCH_* overrides")
	parallel := flag.Int("parallel", 4, "Maximum concurrent fetches")
	noHistory := flag.Bool("no-history", false, "Do not record fetches in the history database")
	flag.Var(&form, "post", "Send a POST with this name=value field (repeatable)")
	flag.Var(&cookies, "cookie", "Send this name=value cookie (repeatable)")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		return errUsage
	}
	if *output != "" && len(urls) > 1 {
		log.Printf("-o needs exactly one URL, got %d\n", len(urls))
		return errUsage
	}

	err := config.LoadEnvFile(*envFile)
	if err != nil {
		log.Printf("Error loading %s: %v\n", *envFile, err)
		return err
	}

	cfg, err := config.GetConfig()
	if err != nil {
		log.Printf("Error reading config: %v\n", err)
		return err
	}

	err = logger.InitLogging(*debug || cfg.Debug, filepath.Join(xdg.StateHome, "fetch", "fetch.log"))
	if err != nil {
		log.Printf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	opts := []fetch.Option{fetch.WithConfig(cfg)}
	if *timeout > 0 {
		opts = append(opts, fetch.WithTimeout(*timeout))
	}

	if !*noHistory && cfg.History != nil && !cfg.History.Disabled {
		repo, err := repository.NewBboltRepository(cfg.History.Path)
		if err != nil {
			log.Printf("Error opening history: %v\n", err)
			return err
		}
		defer repo.Close()

		opts = append(opts, fetch.WithHistory(repo))
	}

	client := fetch.NewClient(opts...)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Infof("Interrupted, cancelling fetches")
			cancel()
		case <-ctx.Done():
		}
	}()

	out := &printer{}
	sessions := make([]*fetch.Session, len(urls))
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(*parallel)

	for i, u := range urls {
		g.Go(func() error {
			var (
				s   *fetch.Session
				err error
			)
			if len(form.keys) > 0 {
				s, err = client.PostURL(ctx, u, form.form(), out.observer(), *tag+i, *retry, cookies.cookies(), *hash)
			} else {
				s, err = client.FetchURL(ctx, u, out.observer(), *tag+i, *retry, cookies.cookies(), *hash)
			}
			if s == nil {
				return err
			}

			<-s.Done()
			sessions[i] = s

			return s.Err()
		})
	}

	fetchErr := g.Wait()

	client.CleanupPersistentConnections()

	for _, s := range sessions {
		if s == nil || s.State() != fetch.Finished {
			continue
		}

		if err := writeBody(*output, s.Data()); err != nil {
			log.Printf("Error writing body for %s: %v\n", s.URL(), err)
			fetchErr = errors.Join(fetchErr, err)
		}
	}

	logger.Infof("Fetched %d URLs in %s", len(urls), time.Since(start))

	return fetchErr
}

func writeBody(path string, body []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(body)
		return err
	}

	return os.WriteFile(path, body, 0o644)
}
