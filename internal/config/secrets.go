package config

import (
	"net/url"
	"strings"
)

const redacted = "***"

// rpcSecretParams are query parameters RPC and price providers use for keys.
var rpcSecretParams = []string{"api-key", "api_key", "apikey", "x_cg_pro_api_key", "token"}

// RedactedConfig returns a copy of cfg that is safe to log. Plain secrets
// become "***". URLs keep their host so the target stays visible but lose
// user passwords and key-bearing query parameters.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Postgres.DSN = redactURL(cfg.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Oracle.APIKey)
	redact(&out.Notify.TelegramToken)

	out.Solana.RPCURL = redactURL(cfg.Solana.RPCURL)
	out.Oracle.CoinGeckoURL = redactURL(cfg.Oracle.CoinGeckoURL)
	// The webhook path is the credential.
	if cfg.Notify.DiscordWebhookURL != "" {
		if u, err := url.Parse(cfg.Notify.DiscordWebhookURL); err == nil && u.Host != "" {
			out.Notify.DiscordWebhookURL = u.Scheme + "://" + u.Host + "/" + redacted
		} else {
			out.Notify.DiscordWebhookURL = redacted
		}
	}

	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL masks the password and secret query parameters of a URL. Strings
// that do not parse as an absolute URL, such as a key=value DSN, are masked
// whole.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return redacted
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			for _, secret := range rpcSecretParams {
				if strings.EqualFold(key, secret) {
					q.Set(key, redacted)
				}
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
