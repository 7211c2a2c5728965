package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// profileKeyPrefix — пространство ключей кэшированных профилей аккаунтов.
const profileKeyPrefix = "profile:"

// defaultTimeout ограничивает каждый поход в Redis.
const defaultTimeout = 2 * time.Second

// ProfileCache сбрасывает кэшированные данные профиля после успешной
// оплаты, чтобы клиент сразу увидел новую подписку.
type ProfileCache struct {
	rdb    *redis.Client
	logger *log.Entry
}

// NewProfileCache создаёт кэш поверх готового Redis-клиента.
func NewProfileCache(rdb *redis.Client, logger *log.Entry) *ProfileCache {
	if logger == nil {
		logger = log.New().WithField("component", "profile-cache")
	}
	return &ProfileCache{
		rdb:    rdb,
		logger: logger,
	}
}

// InvalidateProfile удаляет кэшированный профиль пользователя.
// Отсутствие ключа не считается ошибкой.
func (c *ProfileCache) InvalidateProfile(uid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, profileKeyPrefix+uid).Err(); err != nil {
		return fmt.Errorf("redis del profile %s: %w", uid, err)
	}
	c.logger.WithField("uid", uid).Debug("profile cache invalidated")
	return nil
}

// Ping проверяет доступность Redis; используется health-чеками.
func (c *ProfileCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

var _ domain.ProfileCache = (*ProfileCache)(nil)
