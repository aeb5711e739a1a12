package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Environment variables that override catalogue credentials from the INI.
const (
	EnvAPIUser     = "SURVEYFLOW_API_USER"
	EnvAPIPassword = "SURVEYFLOW_API_PASSWORD"
)

const dateLayout = "20060102"

var placeholderCredentials = map[string]bool{
	"YOUR_USERNAME_HERE": true,
	"YOUR_PASSWORD_HERE": true,
}

// Common holds DEFAULT-scope settings used by every pipeline.
type Common struct {
	Root          string
	LogDir        string
	RawBase       string
	ProcessedBase string

	AOIGeoJSONPath string
	AOIBBox        string

	Ledger LedgerSettings

	PublishTarget      string
	S3Endpoint         string
	S3Region           string
	WorkflowID         string
	WorkflowLocation   string
	MetricsPushgateway string
}

// LedgerSettings selects and configures the idempotency ledger backend.
type LedgerSettings struct {
	Kind       string
	Path       string
	GCPProject string
	Collection string
}

// LoadCommon reads the DEFAULT-scope settings.
func (c *Config) LoadCommon() Common {
	d := c.Default()
	return Common{
		Root:           c.Root,
		LogDir:         c.Resolve(d.String("log_dir", "logs")),
		RawBase:        c.Resolve(d.String("base_raw_data_dir", "data")),
		ProcessedBase:  c.Resolve(d.String("base_processed_data_dir", "data")),
		AOIGeoJSONPath: c.Resolve(d.String("aoi_geojson_path", "")),
		AOIBBox:        d.String("aoi_bbox", ""),
		Ledger: LedgerSettings{
			Kind:       strings.ToLower(d.String("ledger", "artifacts")),
			Path:       c.Resolve(d.String("ledger_path", filepath.Join("data", "ledger.db"))),
			GCPProject: d.String("gcp_project", ""),
			Collection: d.String("firestore_collection", "surveyflow_ledger"),
		},
		PublishTarget:      d.String("publish_target", ""),
		S3Endpoint:         d.String("s3_endpoint", ""),
		S3Region:           d.String("s3_region", ""),
		WorkflowID:         d.String("workflow_id", ""),
		WorkflowLocation:   d.String("workflow_location", "us-central1"),
		MetricsPushgateway: d.String("metrics_pushgateway", ""),
	}
}

// LidarSettings configures LiDAR acquisition and preprocessing.
type LidarSettings struct {
	LogFile         string
	URLs            []string
	RawDir          string
	ProcessedDir    string
	DownloadTimeout time.Duration

	TargetCRS        string
	ConvertLAZ       bool
	GroundPipeline   string
	DTMPipeline      string
	DTMResolution    float64
	DTMInterpolation string

	HillshadeAzimuth  float64
	HillshadeAltitude float64
	HillshadeZFactor  float64
	MultiDirectional  bool
	Azimuths          []float64
}

// LoadLidar reads the [LIDAR] section, which must exist.
func (c *Config) LoadLidar() (LidarSettings, error) {
	if err := c.Require(SectionLidar); err != nil {
		return LidarSettings{}, err
	}
	common := c.LoadCommon()
	s := c.Section(SectionLidar)

	out := LidarSettings{
		LogFile:          s.String("lidar_log_file_name", "lidar_pipeline.log"),
		URLs:             s.Lines("lidar_data_urls"),
		RawDir:           joinUnder(common.RawBase, s.String("lidar_raw_suffix", "lidar/raw")),
		ProcessedDir:     joinUnder(common.ProcessedBase, s.String("lidar_processed_suffix", "lidar/processed")),
		TargetCRS:        s.String("target_projected_crs", ""),
		GroundPipeline:   s.Raw("ground_classification_pipeline_json"),
		DTMPipeline:      s.Raw("dtm_generation_pipeline_json"),
		DTMInterpolation: s.String("dtm_interpolation_method", "mean"),
	}

	var err error
	if out.DownloadTimeout, err = seconds(s, "download_timeout_seconds", 300); err != nil {
		return out, err
	}
	if out.ConvertLAZ, err = s.Bool("convert_laz_to_las", true); err != nil {
		return out, err
	}
	if out.DTMResolution, err = s.Float("dtm_resolution", 1.0); err != nil {
		return out, err
	}
	if out.HillshadeAzimuth, err = s.Float("hillshade_azimuth", 315); err != nil {
		return out, err
	}
	if out.HillshadeAltitude, err = s.Float("hillshade_altitude", 45); err != nil {
		return out, err
	}
	if out.HillshadeZFactor, err = s.Float("hillshade_z_factor", 1.0); err != nil {
		return out, err
	}
	if out.MultiDirectional, err = s.Bool("multi_directional_hillshade", true); err != nil {
		return out, err
	}
	if out.Azimuths, err = s.FloatList("hillshade_azimuths", "315,270,225,180"); err != nil {
		return out, err
	}
	return out, nil
}

// ValidateForPreprocess checks the settings only preprocessing needs.
func (l LidarSettings) ValidateForPreprocess() error {
	if !strings.HasPrefix(strings.ToUpper(l.TargetCRS), "EPSG:") {
		return fmt.Errorf("%w: [%s] target_projected_crs must be an EPSG code such as EPSG:31980, got %q",
			ErrInvalidValue, SectionLidar, l.TargetCRS)
	}
	if l.DTMResolution <= 0 {
		return fmt.Errorf("%w: [%s] dtm_resolution must be positive", ErrInvalidValue, SectionLidar)
	}
	if l.MultiDirectional && len(l.Azimuths) == 0 {
		return fmt.Errorf("%w: [%s] hillshade_azimuths is empty", ErrInvalidValue, SectionLidar)
	}
	return nil
}

// SatelliteSettings configures Sentinel-2 acquisition and preprocessing.
type SatelliteSettings struct {
	LogFile string

	APIUser     string
	APIPassword string
	APIURL      string
	TokenURL    string
	DownloadURL string

	StartDate       time.Time
	EndDate         time.Time
	CloudCover      int
	ProductType     string
	MaxProducts     int
	DownloadTimeout time.Duration

	RawDir       string
	ProcessedDir string

	Sen2CorPath string

	TargetResolution int
	OutputBands      []string
	CloudMaskMethod  string
	SCLMaskClasses   []int
	NoData           float64
}

// LoadSatellite reads DEFAULT, [SEN2COR] and [PREPROCESSING]; the latter two
// are optional.
func (c *Config) LoadSatellite() (SatelliteSettings, error) {
	common := c.LoadCommon()
	d := c.Default()
	sen := c.Section(SectionSen2Cor)
	pre := c.Section(SectionPreprocessing)

	out := SatelliteSettings{
		LogFile:         d.String("satellite_log_file_name", "satellite_pipeline.log"),
		APIUser:         d.String("api_user", ""),
		APIPassword:     d.String("api_password", ""),
		APIURL:          d.String("api_url", "https://catalogue.dataspace.copernicus.eu/odata/v1"),
		TokenURL:        d.String("api_token_url", "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"),
		DownloadURL:     d.String("api_download_url", "https://zipper.dataspace.copernicus.eu/odata/v1"),
		ProductType:     strings.ToUpper(d.String("product_type", "S2MSI2A")),
		RawDir:          joinUnder(common.RawBase, d.String("s2_raw_suffix", "sentinel2/raw")),
		ProcessedDir:    joinUnder(common.ProcessedBase, d.String("s2_processed_suffix", "sentinel2/processed")),
		Sen2CorPath:     c.Resolve(sen.String("sen2cor_path", "")),
		CloudMaskMethod: strings.ToLower(pre.String("cloud_mask_method", "scl")),
	}
	if v := os.Getenv(EnvAPIUser); v != "" {
		out.APIUser = v
	}
	if v := os.Getenv(EnvAPIPassword); v != "" {
		out.APIPassword = v
	}
	for _, b := range pre.List("output_bands", "B02,B03,B04,B08") {
		out.OutputBands = append(out.OutputBands, strings.ToUpper(b))
	}

	var err error
	if out.CloudCover, err = d.Int("cloud_cover_percentage", 10); err != nil {
		return out, err
	}
	if out.MaxProducts, err = d.Int("max_products", 100); err != nil {
		return out, err
	}
	if out.DownloadTimeout, err = seconds(d, "download_timeout_seconds", 3600); err != nil {
		return out, err
	}
	if out.TargetResolution, err = pre.Int("target_resolution", 10); err != nil {
		return out, err
	}
	if out.SCLMaskClasses, err = pre.IntList("scl_mask_classes", "3,8,9,10,11"); err != nil {
		return out, err
	}
	if out.NoData, err = pre.Float("nodata_value", 0); err != nil {
		return out, err
	}
	if start := d.String("start_date", ""); start != "" {
		if out.StartDate, err = parseDate(d, "start_date", start); err != nil {
			return out, err
		}
	}
	if end := d.String("end_date", ""); end != "" {
		if out.EndDate, err = parseDate(d, "end_date", end); err != nil {
			return out, err
		}
	}
	return out, nil
}

// ValidateForAcquire checks credentials and the date window.
func (s SatelliteSettings) ValidateForAcquire() error {
	if s.APIUser == "" || s.APIPassword == "" || s.APIURL == "" ||
		placeholderCredentials[s.APIUser] || placeholderCredentials[s.APIPassword] {
		return fmt.Errorf("%w: set api_user, api_password and api_url (or %s/%s)",
			ErrPlaceholderCredentials, EnvAPIUser, EnvAPIPassword)
	}
	if s.StartDate.IsZero() || s.EndDate.IsZero() {
		return fmt.Errorf("%w: start_date and end_date are required (YYYYMMDD)", ErrInvalidValue)
	}
	if s.EndDate.Before(s.StartDate) {
		return fmt.Errorf("%w: end_date %s is before start_date %s", ErrInvalidValue,
			s.EndDate.Format(dateLayout), s.StartDate.Format(dateLayout))
	}
	return nil
}

// TextSettings configures text acquisition and preprocessing.
type TextSettings struct {
	LogFile string

	SourceLines  []string
	RawDir       string
	ProcessedDir string
	OCRDir       string
	FetchTimeout time.Duration
	UserAgent    string
	// MaxResponseBytes caps a single fetched source held in memory.
	MaxResponseBytes int64

	ForceReprocessRaw       bool
	ForceReprocessProcessed bool

	Lowercase          bool
	RemovePatternsJSON string

	PDFMethod           string
	OCRLanguages        string
	OCRDPI              int
	OCRFallbackMinChars int
	TessdataPrefix      string
}

// LoadText reads the [TextualData] section, which must exist.
func (c *Config) LoadText() (TextSettings, error) {
	if err := c.Require(SectionText); err != nil {
		return TextSettings{}, err
	}
	common := c.LoadCommon()
	s := c.Section(SectionText)

	out := TextSettings{
		LogFile:            s.String("text_pipeline_log_file_name", "text_pipeline.log"),
		SourceLines:        s.Lines("text_data_sources"),
		RawDir:             joinUnder(common.RawBase, s.String("text_raw_suffix", "textual/raw")),
		ProcessedDir:       joinUnder(common.ProcessedBase, s.String("text_processed_suffix", "textual/processed")),
		OCRDir:             joinUnder(common.RawBase, s.String("ocr_intermediate_suffix", "textual/ocr_intermediate")),
		UserAgent:          s.String("user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"),
		RemovePatternsJSON: s.String("custom_remove_patterns_json", "[]"),
		PDFMethod:          strings.ToLower(s.String("pdf_extraction_method", "native")),
		OCRLanguages:       s.String("ocr_languages", "eng"),
		TessdataPrefix:     c.Resolve(s.String("tessdata_prefix", "")),
	}

	var err error
	if out.FetchTimeout, err = seconds(s, "fetch_timeout_seconds", 60); err != nil {
		return out, err
	}
	if out.ForceReprocessRaw, err = s.Bool("force_reprocess_raw", false); err != nil {
		return out, err
	}
	if out.ForceReprocessProcessed, err = s.Bool("force_reprocess_processed", false); err != nil {
		return out, err
	}
	if out.Lowercase, err = s.Bool("clean_text_to_lowercase", true); err != nil {
		return out, err
	}
	if out.OCRDPI, err = s.Int("pdf_ocr_dpi", 300); err != nil {
		return out, err
	}
	if out.OCRFallbackMinChars, err = s.Int("ocr_fallback_min_chars", 200); err != nil {
		return out, err
	}
	maxMB, err := s.Int("max_response_mb", 64)
	if err != nil {
		return out, err
	}
	if maxMB <= 0 {
		return out, fmt.Errorf("%w: max_response_mb must be positive, got %d", ErrInvalidValue, maxMB)
	}
	out.MaxResponseBytes = int64(maxMB) << 20
	return out, nil
}

func joinUnder(base, suffix string) string {
	if filepath.IsAbs(suffix) {
		return suffix
	}
	return filepath.Join(base, filepath.FromSlash(suffix))
}

func seconds(s Section, key string, fallback int) (time.Duration, error) {
	n, err := s.Int(key, fallback)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: [%s] %s must be positive", ErrInvalidValue, s.name, key)
	}
	return time.Duration(n) * time.Second, nil
}

func parseDate(s Section, key, value string) (time.Time, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, s.invalid(key, value, fmt.Errorf("use YYYYMMDD"))
	}
	return t, nil
}
