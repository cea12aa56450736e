package repository

import (
	"github.com/redis/go-redis/v9"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/interfaces"
)

type Repositories struct {
	LogStore   interfaces.LogStore
	StateStore interfaces.StateStore
}

func InitRepositories(client *redis.Client) *Repositories {
	return &Repositories{
		LogStore:   NewLogStore(client),
		StateStore: NewStateStore(client),
	}
}

func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
		PoolSize: cfg.PoolSize,
	})
}
