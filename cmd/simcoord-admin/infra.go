package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/phip-platform/simcoord/internal/adapters/queue"
	"github.com/phip-platform/simcoord/internal/bootstrap"
	"github.com/phip-platform/simcoord/internal/core"
	"github.com/phip-platform/simcoord/internal/data"
	"github.com/phip-platform/simcoord/internal/service"
)

type infraOptions struct {
	WantDB    bool
	WantRedis bool
}

// connectInfra wires up infrastructure dependencies based on command needs.
//
//nolint:ireturn // returning redis.UniversalClient keeps client selection flexible.
func connectInfra(ctx *commandContext, opts infraOptions) (*sql.DB, redis.UniversalClient, error) {
	var (
		db          *sql.DB
		redisClient redis.UniversalClient
		err         error
	)

	if opts.WantDB {
		db, err = bootstrap.ConnectDB(bootstrap.DatabaseConfig{
			DBConfig: ctx.Config.Postgres,
			Logger:   ctx.Logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
	}

	if opts.WantRedis && ctx.Config.Redis.Enabled {
		redisClient, err = bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
			RedisConfig: ctx.Config.Redis,
			Logger:      ctx.Logger,
		})
		if err != nil {
			if db != nil {
				if closeErr := db.Close(); closeErr != nil {
					err = errors.Join(err, fmt.Errorf("close db: %w", closeErr))
				}
			}
			return nil, nil, err
		}
	}

	return db, redisClient, nil
}

// adminEnv bundles the connected services a command operates through.
type adminEnv struct {
	ctx         *commandContext
	db          *sql.DB
	redisClient redis.UniversalClient

	Store       core.SimulationStore
	Coordinator *service.Coordinator
	Queue       *queue.RedisSource // nil when Redis is unavailable or unwanted
}

func newAdminEnv(ctx *commandContext, opts infraOptions) (*adminEnv, error) {
	db, redisClient, err := connectInfra(ctx, opts)
	if err != nil {
		return nil, err
	}

	env := &adminEnv{ctx: ctx, db: db, redisClient: redisClient}

	repo := data.NewSimulationRepo(db, data.RepoConfig{Logger: ctx.Logger})
	env.Store = repo

	env.Coordinator, err = service.NewCoordinator(service.CoordinatorOptions{
		Store:  repo,
		Logger: ctx.Logger,
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("create coordinator: %w", err)
	}

	if redisClient != nil {
		env.Queue, err = queue.NewRedisSource(queue.RedisSourceOptions{
			Client:      redisClient,
			Key:         ctx.Config.Worker.QueueKey,
			WaitTimeout: ctx.Config.Worker.QueueWaitTimeout,
			Logger:      ctx.Logger,
		})
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("create redis queue: %w", err)
		}
	}

	return env, nil
}

func (e *adminEnv) Close() {
	closeQuietly(e.ctx, e.db, e.redisClient)
}

func closeQuietly(ctx *commandContext, db *sql.DB, redisClient redis.UniversalClient) {
	if db != nil {
		if err := db.Close(); err != nil {
			ctx.Logger.Error("close db failed", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			ctx.Logger.Error("close redis failed", "error", err)
		}
	}
}
