package detect

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/model"
)

func init() {
	factory.RegisterModel("centroid", func(cfg config.MemberConfig) (model.ScoringModel, error) {
		return NewCentroidClassifier(cfg.Name, cfg.Temperature), nil
	})
	factory.RegisterModel("zscore", func(cfg config.MemberConfig) (model.ScoringModel, error) {
		return NewZScoreDetector(cfg.Name, cfg.Threshold), nil
	})
	factory.RegisterModel("grpc", func(cfg config.MemberConfig) (model.ScoringModel, error) {
		return NewRemoteModel(cfg)
	})
}
