package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	credentialsTimeout = 5 * time.Second
	probeTimeout       = 5 * time.Second
)

var ErrNoTURN = errors.New("no udp turn server to probe")

type ICEOptions struct {
	STUN           []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
	// CredentialsURL returns {"iceServers":[{urls, username, credential}]}.
	CredentialsURL  string
	RefreshInterval time.Duration
	ForceRelay      bool
	// ProbeTURN allocates on a rotated TURN server before adopting it.
	ProbeTURN  bool
	HTTPClient *http.Client
}

// ICEProvider holds the current ICE server list. It starts from the static
// configuration and, when a credentials endpoint is set, keeps it fresh.
type ICEProvider struct {
	opts   ICEOptions
	logger zerolog.Logger
	probe  func(ctx context.Context, servers []webrtc.ICEServer) error

	mu       sync.RWMutex
	servers  []webrtc.ICEServer
	onChange func(webrtc.Configuration)
}

func NewICEProvider(opts ICEOptions) *ICEProvider {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: credentialsTimeout}
	}
	var static []webrtc.ICEServer
	if len(opts.STUN) > 0 {
		static = append(static, webrtc.ICEServer{URLs: append([]string(nil), opts.STUN...)})
	}
	if len(opts.TURNURLs) > 0 {
		static = append(static, webrtc.ICEServer{
			URLs:       append([]string(nil), opts.TURNURLs...),
			Username:   opts.TURNUsername,
			Credential: opts.TURNCredential,
		})
	}
	return &ICEProvider{
		opts:    opts,
		logger:  log.With().Str("module", "adapters.rtc.ice").Logger(),
		probe:   probeTURN,
		servers: static,
	}
}

// Configuration is the peer connection configuration for new calls.
func (p *ICEProvider) Configuration() webrtc.Configuration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg := webrtc.Configuration{ICEServers: append([]webrtc.ICEServer(nil), p.servers...)}
	if p.opts.ForceRelay {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

// OnChange is called after the server list changed.
func (p *ICEProvider) OnChange(fn func(webrtc.Configuration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Refresh fetches the credentials endpoint once. On failure the current list
// is kept, or the static list if nothing was fetched yet.
func (p *ICEProvider) Refresh(ctx context.Context) error {
	if p.opts.CredentialsURL == "" {
		return nil
	}
	servers, err := p.fetch(ctx)
	if err == nil && p.opts.ProbeTURN {
		if perr := p.probe(ctx, servers); perr != nil && !errors.Is(perr, ErrNoTURN) {
			err = fmt.Errorf("probe turn: %w", perr)
		}
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("url", p.opts.CredentialsURL).Msg("ice credentials refresh failed, keeping current servers")
		return err
	}

	p.mu.Lock()
	p.servers = servers
	fn := p.onChange
	p.mu.Unlock()

	p.logger.Info().Int("servers", len(servers)).Msg("ice servers refreshed")
	if fn != nil {
		fn(p.Configuration())
	}
	return nil
}

// Run refreshes on the configured interval until ctx is done.
func (p *ICEProvider) Run(ctx context.Context) error {
	if p.opts.CredentialsURL == "" {
		return nil
	}
	_ = p.Refresh(ctx)
	interval := p.opts.RefreshInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

type iceServersResponse struct {
	ICEServers []iceServerJSON `json:"iceServers"`
}

type iceServerJSON struct {
	URLs       iceURLs `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// iceURLs accepts both a single url string and a list.
type iceURLs []string

func (u *iceURLs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = iceURLs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

func (p *ICEProvider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.CredentialsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credentials endpoint returned %d", resp.StatusCode)
	}

	var body iceServersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string(s.URLs),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(servers) == 0 {
		return nil, errors.New("credentials endpoint returned no ice servers")
	}
	return servers, nil
}

// probeTURN allocates a relay on the first udp TURN url to check that the
// credentials are accepted.
func probeTURN(ctx context.Context, servers []webrtc.ICEServer) error {
	for _, s := range servers {
		for _, u := range s.URLs {
			addr, ok := udpTURNAddr(u)
			if !ok {
				continue
			}
			return allocate(ctx, addr, s.Username, credentialString(s.Credential))
		}
	}
	return ErrNoTURN
}

func credentialString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func allocate(ctx context.Context, addr, username, password string) error {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr,
		TURNServerAddr: addr,
		Conn:           conn,
		Username:       username,
		Password:       password,
		LoggerFactory:  LoggerFactory{Level: zerolog.WarnLevel},
	})
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		relay, err := client.Allocate()
		if err == nil {
			_ = relay.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// udpTURNAddr turns "turn:host:port?transport=udp" into "host:port".
func udpTURNAddr(raw string) (string, bool) {
	rest, ok := strings.CutPrefix(raw, "turn:")
	if !ok {
		return "", false
	}
	host, query, _ := strings.Cut(rest, "?")
	if query != "" && query != "transport=udp" {
		return "", false
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "3478")
	}
	return host, true
}
