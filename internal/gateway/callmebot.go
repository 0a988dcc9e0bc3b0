package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callbot/internal/storage"
	"callbot/pkg/logx"
)

const (
	defaultAPIURL = "http://api.callmebot.com/start.php"

	// The voice synthesis backend truncates beyond this.
	maxMessageLen = 256

	defaultLanguage = "en-US-Standard-B"
	defaultRepeat   = 1
	defaultTimeout  = 30
)

// CallMeBotConfig configures the voice call transport.
type CallMeBotConfig struct {
	APIURL         string
	RequestTimeout time.Duration
}

// SettingsFunc looks up per-owner call preferences. The second return
// is false when the owner never configured a target.
type SettingsFunc func(ctx context.Context, ownerID int64) (storage.OwnerSettings, bool, error)

// CallMeBot places voice calls through the CallMeBot HTTP API.
type CallMeBot struct {
	apiURL   string
	http     *http.Client
	settings SettingsFunc
	log      logx.Logger
}

func NewCallMeBot(cfg CallMeBotConfig, settings SettingsFunc, log logx.Logger) *CallMeBot {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CallMeBot{
		apiURL:   apiURL,
		http:     &http.Client{Timeout: timeout},
		settings: settings,
		log:      log,
	}
}

func (g *CallMeBot) Send(ctx context.Context, ownerID int64, message string) error {
	st, ok, err := g.settings(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("load owner settings: %w", err)
	}
	if !ok || strings.TrimSpace(st.Target) == "" {
		return ErrNotConfigured
	}

	q := url.Values{}
	q.Set("source", "web")
	q.Set("user", cleanTarget(st.Target))
	q.Set("text", cleanMessage(message))
	q.Set("lang", orDefault(st.Language, defaultLanguage))
	q.Set("rpt", strconv.Itoa(orDefaultInt(st.Repeat, defaultRepeat)))
	q.Set("cc", yesNo(st.SendTextCopy))
	q.Set("timeout", strconv.Itoa(orDefaultInt(st.Timeout, defaultTimeout)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("callmebot request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callmebot responded %d: %s", resp.StatusCode, snippet(body))
	}
	if isAPIError(body) {
		return errors.New("callmebot rejected the call: " + snippet(body))
	}

	g.log.Debug("voice call placed",
		logx.Int64("owner_id", ownerID),
		logx.String("target", st.Target))
	return nil
}

// cleanTarget normalizes a username or phone number. Bare usernames get
// the @ prefix the API expects.
func cleanTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || strings.HasPrefix(target, "@") || strings.HasPrefix(target, "+") {
		return target
	}
	for _, r := range target {
		if r >= '0' && r <= '9' {
			return target
		}
		break
	}
	return "@" + target
}

func cleanMessage(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if r := []rune(msg); len(r) > maxMessageLen {
		msg = string(r[:maxMessageLen-3]) + "..."
	}
	return msg
}

// isAPIError sniffs the API's plain-text error responses. The endpoint
// returns 200 even when it refuses the call.
func isAPIError(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "error") || strings.Contains(s, "not authorized")
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
