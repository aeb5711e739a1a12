package cli

import (
	"context"

	"github.com/Lllllllleong/surveyflow/internal/aoi"
	"github.com/Lllllllleong/surveyflow/internal/config"
	"github.com/Lllllllleong/surveyflow/internal/models"
	"github.com/Lllllllleong/surveyflow/internal/services"
)

// Stage describes one binary: which pipeline and stage it runs.
type Stage struct {
	Pipeline string
	Stage    string
	Use      string
	Short    string
}

var (
	AcquireLidar = Stage{
		Pipeline: services.PipelineLidar, Stage: services.StageAcquire,
		Use: "acquire-lidar", Short: "Download the configured LiDAR point-cloud tiles.",
	}
	PreprocessLidar = Stage{
		Pipeline: services.PipelineLidar, Stage: services.StagePreprocess,
		Use: "preprocess-lidar", Short: "Classify ground points and derive AOI-clipped DTMs and hillshades.",
	}
	AcquireSentinel = Stage{
		Pipeline: services.PipelineSentinel, Stage: services.StageAcquire,
		Use: "acquire-sentinel2", Short: "Search and download Sentinel-2 products for the AOI and date window.",
	}
	PreprocessSentinel = Stage{
		Pipeline: services.PipelineSentinel, Stage: services.StagePreprocess,
		Use: "preprocess-sentinel2", Short: "Correct, stack, cloud-mask and clip Sentinel-2 products.",
	}
	AcquireTexts = Stage{
		Pipeline: services.PipelineText, Stage: services.StageAcquire,
		Use: "acquire-texts", Short: "Fetch the configured web pages, PDFs and text files.",
	}
	PreprocessTexts = Stage{
		Pipeline: services.PipelineText, Stage: services.StagePreprocess,
		Use: "preprocess-texts", Short: "Extract, clean and language-tag acquired texts.",
	}
)

type processor interface {
	Process(ctx context.Context) (*models.BatchReport, error)
}

// boundStage is a stage with its settings loaded.
type boundStage struct {
	file  string
	build func(deps services.Deps, area *aoi.AOI) (processor, error)
}

func (b boundStage) logFile() string { return b.file }

func (b boundStage) service(deps services.Deps, area *aoi.AOI) (processor, error) {
	return b.build(deps, area)
}

// needsAOI reports whether the stage clips or queries by the AOI.
func (s Stage) needsAOI() bool {
	switch s {
	case PreprocessLidar, AcquireSentinel, PreprocessSentinel:
		return true
	}
	return false
}

// load reads the settings of the stage's pipeline. force applies to the
// text stages only.
func (s Stage) load(cfg *config.Config, force bool) (boundStage, error) {
	switch s.Pipeline {
	case services.PipelineLidar:
		settings, err := cfg.LoadLidar()
		if err != nil {
			return boundStage{}, err
		}
		return boundStage{file: settings.LogFile, build: func(deps services.Deps, area *aoi.AOI) (processor, error) {
			if s.Stage == services.StageAcquire {
				return services.NewLidarAcquire(deps, settings), nil
			}
			return services.NewLidarPreprocess(deps, settings, area)
		}}, nil

	case services.PipelineSentinel:
		settings, err := cfg.LoadSatellite()
		if err != nil {
			return boundStage{}, err
		}
		return boundStage{file: settings.LogFile, build: func(deps services.Deps, area *aoi.AOI) (processor, error) {
			if s.Stage == services.StageAcquire {
				return services.NewSentinelAcquire(deps, settings, area)
			}
			return services.NewSentinelPreprocess(deps, settings, area)
		}}, nil

	default:
		settings, err := cfg.LoadText()
		if err != nil {
			return boundStage{}, err
		}
		if s.Stage == services.StageAcquire {
			settings.ForceReprocessRaw = settings.ForceReprocessRaw || force
		} else {
			settings.ForceReprocessProcessed = settings.ForceReprocessProcessed || force
		}
		return boundStage{file: settings.LogFile, build: func(deps services.Deps, _ *aoi.AOI) (processor, error) {
			if s.Stage == services.StageAcquire {
				return services.NewTextAcquire(deps, settings), nil
			}
			return services.NewTextPreprocess(deps, settings), nil
		}}, nil
	}
}
