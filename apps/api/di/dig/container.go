// Package dig_container wires the API's dependencies with go.uber.org/dig.
package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/bootcamp/apps/api/echo"
	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/revenue"
	"github.com/trezcool/bootcamp/core/roster"
	emailsvc "github.com/trezcool/bootcamp/services/email"
	logsvc "github.com/trezcool/bootcamp/services/logger"
	rediscache "github.com/trezcool/bootcamp/storage/cache/redis"
	inmemdb "github.com/trezcool/bootcamp/storage/database/inmem"
	mongodb "github.com/trezcool/bootcamp/storage/database/mongo"
	pgdb "github.com/trezcool/bootcamp/storage/database/postgres"
)

// Closer releases a backend (database, redis) at shutdown.
type Closer func(ctx context.Context) error

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

type closers struct {
	dig.Out
	Store Closer `name:"storeCloser"`
}

// Closers lists what main releases on the way out.
type Closers struct {
	dig.In
	Store Closer        `name:"storeCloser"`
	Redis *redis.Client `optional:"true"`
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newValidator(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	roster.InitValidators(validate, translator)
	return validate
}

func openStore(ctx context.Context, conf core.DatabaseConfig) (roster.Store, Closer, error) {
	switch conf.Engine {
	case core.EngineMemory:
		return inmemdb.Open(), func(context.Context) error { return nil }, nil

	case core.EngineMongoDB:
		db, err := mongodb.Open(ctx, conf)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil

	case core.EnginePostgres:
		if err := pgdb.CreateIfNotExist(ctx, conf); err != nil {
			return nil, nil, err
		}
		db, err := pgdb.Open(ctx, conf)
		if err != nil {
			return nil, nil, err
		}
		if err = pgdb.Migrate(ctx, db.SQLDB()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, func(context.Context) error { return db.Close() }, nil
	}
	return nil, nil, errors.Errorf("unknown database engine %q", conf.Engine)
}

func newStore(conf *core.Config, loggerParam DBLoggerParam) (roster.Store, closers) {
	ctx, cancel := context.WithTimeout(context.Background(), conf.Database.Timeout)
	defer cancel()

	store, closeFn, err := openStore(ctx, conf.Database)
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	loggerParam.Logger.Info(fmt.Sprintf("database ready : engine %q", conf.Database.Engine))
	return store, closers{Store: closeFn}
}

// newRedis returns a nil client when redis is disabled.
func newRedis(conf *core.Config, logger core.Logger) *redis.Client {
	if !conf.Redis.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), conf.Database.Timeout)
	defer cancel()

	client, err := rediscache.Open(ctx, conf.Redis)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up redis: %v", err), err)
	}
	return client
}

func newCalculator(conf *core.Config) (revenue.Calculator, error) {
	mode, err := revenue.ParseMode(conf.RevenueMode)
	if err != nil {
		return revenue.Calculator{}, errors.Wrap(err, "revenue mode")
	}
	return revenue.NewCalculator(mode), nil
}

func newSynchronizer(svc *roster.Service, conf *core.Config, logger core.Logger, client *redis.Client) (*enrollment.Synchronizer, error) {
	policy, err := enrollment.ParseMissingPolicy(conf.MissingBatchPolicy)
	if err != nil {
		return nil, errors.Wrap(err, "missing batch policy")
	}
	opts := []enrollment.Option{
		enrollment.WithMissingPolicy(policy),
		enrollment.WithLockWait(conf.Redis.LockWait),
		enrollment.WithLogger(logger),
	}
	if client != nil {
		opts = append(opts, enrollment.WithLocker(rediscache.NewLocker(client, conf.Redis, logger)))
	}
	return enrollment.NewSynchronizer(svc, opts...), nil
}

func newReporter(store roster.Store, calc revenue.Calculator, conf *core.Config, logger core.Logger, client *redis.Client) *report.Reporter {
	opts := []report.Option{
		report.WithLocation(conf.Timezone),
		report.WithLogger(logger),
	}
	if client != nil {
		opts = append(opts, report.WithCache(rediscache.NewReportCache(client), conf.ReportCacheTTL))
	}
	return report.NewReporter(store, calc, opts...)
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newServerOptions(
	conf *core.Config,
	logger core.Logger,
	svc *roster.Service,
	syn *enrollment.Synchronizer,
	reporter *report.Reporter,
	mailer core.EmailService,
	translator ut.Translator,
) echoapi.Options {
	return echoapi.Options{
		Conf:       conf,
		Logger:     logger,
		Roster:     svc,
		Sync:       syn,
		Reporter:   reporter,
		Mailer:     mailer,
		Translator: translator,
	}
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newValidator))
	must(c.Provide(newStore))
	must(c.Provide(newRedis))
	must(c.Provide(newCalculator))
	must(c.Provide(roster.NewService))
	must(c.Provide(newSynchronizer))
	must(c.Provide(newReporter))
	must(c.Provide(newEmailService))
	must(c.Provide(newServerOptions))
	must(c.Provide(echoapi.NewServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
