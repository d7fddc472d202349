package storage

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/model"

	"go.uber.org/zap"
)

func init() {
	factory.RegisterWriter("gob", func(def config.WriterDef, logger *zap.SugaredLogger) (model.Writer, error) {
		return NewGobWriter(def.Gob.RootPath, def.SnapshotInterval.D(), logger), nil
	})
	factory.RegisterWriter("clickhouse", func(def config.WriterDef, logger *zap.SugaredLogger) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse, def.SnapshotInterval.D(), logger)
	})
}
