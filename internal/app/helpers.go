package app

import (
	"fmt"
	"time"

	"github.com/mx-space/authgate/internal/config"
	"github.com/mx-space/authgate/internal/pkg/mail"
	pkgredis "github.com/mx-space/authgate/internal/pkg/redis"
	"github.com/mx-space/authgate/internal/pkg/session"
	"gorm.io/gorm"
)

const redisSessionPrefix = "authgate:session"

func newSessionStore(cfg *config.AppConfig, db *gorm.DB, rc *pkgredis.Client) (session.Store, error) {
	switch cfg.Auth.SessionStore {
	case config.SessionStoreGorm:
		return session.NewGormStore(db), nil
	case config.SessionStoreRedis:
		if rc == nil {
			return nil, fmt.Errorf("session store %q requires redis", cfg.Auth.SessionStore)
		}
		return session.NewRedisStore(rc.Raw(), redisSessionPrefix), nil
	case config.SessionStoreMemory:
		return session.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Auth.SessionStore)
	}
}

func newMailer(cfg *config.AppConfig) mail.Sender {
	return mail.New(mail.Config{
		Enable:  cfg.Mail.Enable,
		Host:    cfg.Mail.Host,
		Port:    cfg.Mail.Port,
		User:    cfg.Mail.User,
		Pass:    cfg.Mail.Pass,
		From:    cfg.Mail.From,
		ReplyTo: cfg.Mail.ReplyTo,
		AppURL:  cfg.Mail.AppURL,
	})
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Truncate(time.Second).String()
	}
	if d < time.Hour {
		return d.Truncate(time.Minute).String()
	}
	if d < 24*time.Hour {
		return d.Truncate(time.Hour).String()
	}
	return d.Truncate(24 * time.Hour).String()
}
