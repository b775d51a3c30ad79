package attributes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/embergraph/provisioner/pkg/failure"
)

// StorePropertyPrefix is prepended to every store property key when the
// store configuration file is rendered.
const StorePropertyPrefix = "org.embergraph."

// Config is the typed view of a resolved attribute tree. It is built once per
// run by Build and passed explicitly to every step constructor. Exactly one of
// NSS, Tomcat and HA is set, matching Flavor.
type Config struct {
	// Flavor is the selected install flavor.
	Flavor string `json:"flavor" validate:"required,oneof=nss tomcat ha"`

	// Common holds the settings shared by every flavor.
	Common Common `json:"common"`

	// StoreProperties are the RWStore settings in declaration order.
	StoreProperties []Property `json:"store_properties" validate:"dive"`

	// SSD describes the optional SSD-backed logical volume.
	SSD SSD `json:"ssd"`

	// NSS holds the standalone service settings.
	NSS *NSS `json:"nss,omitempty"`

	// Tomcat holds the web-archive settings.
	Tomcat *Tomcat `json:"tomcat,omitempty"`

	// HA holds the replicated cluster settings.
	HA *HA `json:"ha,omitempty"`

	// Attributes is the tree the config was built from, used by templates.
	Attributes *Tree `json:"-"`
}

// Common holds the flavor-independent settings.
type Common struct {
	Home           string `json:"home" validate:"required,startswith=/"`
	User           string `json:"user" validate:"required"`
	Group          string `json:"group" validate:"required"`
	Shell          string `json:"shell" validate:"required"`
	BaseVersion    string `json:"base_version" validate:"required,version"`
	BuildFromSVN   bool   `json:"build_from_svn"`
	SourceDir      string `json:"source_dir" validate:"required,startswith=/"`
	SVNBranch      string `json:"svn_branch" validate:"required_if=BuildFromSVN true,omitempty,url"`
	URL            string `json:"url" validate:"required,url"`
	PropertiesPath string `json:"properties" validate:"required,startswith=/"`
	Log4jPath      string `json:"log4j_properties" validate:"required,startswith=/"`
	DataDir        string `json:"data_dir" validate:"required,startswith=/"`
	LogDir         string `json:"log_dir" validate:"required,startswith=/"`
	ServiceName    string `json:"service_name" validate:"required"`
	ServiceManager string `json:"service_manager" validate:"required,oneof=systemd sysv"`
	DownloadDir    string `json:"download_dir" validate:"required,startswith=/"`
	JavaPackage    string `json:"java_package" validate:"required"`
}

// Property is one store configuration entry.
type Property struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// NSS holds settings for the standalone service flavor.
type NSS struct {
	JettyDir string `json:"jetty_dir" validate:"required,startswith=/"`
}

// Tomcat holds settings for the web-archive flavor.
type Tomcat struct {
	Version      int    `json:"version" validate:"min=1"`
	Package      string `json:"package" validate:"required"`
	User         string `json:"user" validate:"required"`
	Group        string `json:"group" validate:"required"`
	Service      string `json:"service" validate:"required"`
	WebappDir    string `json:"webapp_dir" validate:"required,startswith=/"`
	WebHome      string `json:"web_home" validate:"required,startswith=/"`
	DefaultsFile string `json:"defaults_file" validate:"required,startswith=/"`
	JavaOptions  string `json:"java_options"`
}

// HA holds settings for the replicated cluster flavor.
type HA struct {
	JettyDir          string    `json:"jetty_dir" validate:"required,startswith=/"`
	FedName           string    `json:"fedname" validate:"required"`
	LogicalServiceID  string    `json:"logical_service_id" validate:"required"`
	ReplicationFactor int       `json:"replication_factor" validate:"min=1"`
	RiverLocators     []string  `json:"river_locators" validate:"min=1,dive,required"`
	ZKServers         []string  `json:"zk_servers" validate:"min=1,dive,required"`
	JavaOptions       string    `json:"java_options"`
	DefaultsFile      string    `json:"defaults_file" validate:"required,startswith=/"`
	Zookeeper         Zookeeper `json:"zookeeper"`
}

// Zookeeper holds the coordination ensemble settings for the HA flavor.
type Zookeeper struct {
	Package    string `json:"package" validate:"required"`
	Service    string `json:"service" validate:"required"`
	ConfDir    string `json:"conf_dir" validate:"required,startswith=/"`
	DataDir    string `json:"data_dir" validate:"required,startswith=/"`
	ClientPort int    `json:"client_port" validate:"min=1,max=65535"`
	MyID       int    `json:"myid" validate:"min=1,max=255"`
}

// SSD describes the optional SSD-backed logical volume.
type SSD struct {
	Enabled       bool     `json:"enabled"`
	Devices       []string `json:"devices" validate:"required_if=Enabled true,dive,startswith=/"`
	VolumeGroup   string   `json:"volume_group" validate:"required_if=Enabled true"`
	LogicalVolume string   `json:"logical_volume" validate:"required_if=Enabled true"`
	FSType        string   `json:"fs_type" validate:"required_if=Enabled true"`
	MountPoint    string   `json:"mount_point" validate:"required_if=Enabled true,omitempty,startswith=/"`
}

// LogicalVolumePath returns the device path of the logical volume.
func (s SSD) LogicalVolumePath() string {
	return fmt.Sprintf("/dev/%s/%s", s.VolumeGroup, s.LogicalVolume)
}

var validate = newValidator()

// newValidator adds the "version" tag: a release version CompareVersion
// can order.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("version", func(fl validator.FieldLevel) bool {
		_, err := versionNumber(fl.Field().String())
		return err == nil
	})
	return v
}

// reader accumulates the first lookup error so Build reads linearly.
type reader struct {
	t   *Tree
	err error
}

func (r *reader) str(path string) string {
	if r.err != nil {
		return ""
	}
	v, err := r.t.String(path)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *reader) integer(path string) int {
	if r.err != nil {
		return 0
	}
	v, err := r.t.Int(path)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *reader) boolean(path string) bool {
	if r.err != nil {
		return false
	}
	v, err := r.t.BoolOr(path, false)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *reader) strings(path string) []string {
	if r.err != nil {
		return nil
	}
	v, err := r.t.Strings(path)
	if err != nil {
		r.err = err
	}
	return v
}

// numbered collects prefix1, prefix2, ... until the first missing index.
func (r *reader) numbered(prefix string) []string {
	var out []string
	for i := 1; r.err == nil; i++ {
		path := fmt.Sprintf("%s%d", prefix, i)
		if !r.t.Has(path) {
			break
		}
		out = append(out, r.str(path))
	}
	return out
}

// Build converts a resolved attribute tree into a validated Config.
func Build(t *Tree) (*Config, error) {
	r := &reader{t: t}
	cfg := &Config{
		Flavor:     r.str(PathFlavor),
		Attributes: t,
	}
	if r.err != nil {
		return nil, r.err
	}

	cfg.Common = Common{
		Home:           r.str(PathHome),
		User:           r.str("embergraph.user"),
		Group:          r.str("embergraph.group"),
		Shell:          r.str("embergraph.shell"),
		BaseVersion:    r.str(PathBaseVersion),
		BuildFromSVN:   r.boolean(PathBuildFromSVN),
		SourceDir:      r.str("embergraph.source_dir"),
		URL:            r.str("embergraph.url"),
		PropertiesPath: r.str("embergraph.properties"),
		Log4jPath:      r.str("embergraph.log4j_properties"),
		DataDir:        r.str("embergraph.data_dir"),
		LogDir:         r.str("embergraph.log_dir"),
		ServiceName:    r.str("embergraph.service_name"),
		ServiceManager: r.str("embergraph.service_manager"),
		DownloadDir:    r.str("embergraph.download_dir"),
		JavaPackage:    r.str("java.package"),
	}
	if cfg.Common.BuildFromSVN {
		cfg.Common.SVNBranch = r.str("embergraph.svn_branch")
	}

	cfg.SSD = SSD{Enabled: r.boolean("ssd.enabled")}
	if cfg.SSD.Enabled {
		cfg.SSD.Devices = r.strings("ssd.devices")
		cfg.SSD.VolumeGroup = r.str("ssd.volume_group")
		cfg.SSD.LogicalVolume = r.str("ssd.logical_volume")
		cfg.SSD.FSType = r.str("ssd.fs_type")
		cfg.SSD.MountPoint = r.str("ssd.mount_point")
	}

	switch cfg.Flavor {
	case FlavorNSS:
		cfg.NSS = &NSS{JettyDir: r.str("embergraph.jetty_dir")}
	case FlavorTomcat:
		cfg.Tomcat = &Tomcat{
			Version:      r.integer("tomcat.base_version"),
			Package:      r.str("tomcat.package"),
			User:         r.str("tomcat.user"),
			Group:        r.str("tomcat.group"),
			Service:      r.str("tomcat.service"),
			WebappDir:    r.str("tomcat.webapp_dir"),
			WebHome:      r.str("embergraph.web_home"),
			DefaultsFile: r.str("tomcat.defaults_file"),
			JavaOptions:  r.str("tomcat.java_options"),
		}
	case FlavorHA:
		cfg.HA = &HA{
			JettyDir:          r.str("embergraph.jetty_dir"),
			FedName:           r.str("embergraph.fedname"),
			LogicalServiceID:  r.str("embergraph.logical_service_id"),
			ReplicationFactor: r.integer("embergraph.replication_factor"),
			RiverLocators:     r.numbered("embergraph.river_locator"),
			ZKServers:         r.numbered("embergraph.zk_server"),
			JavaOptions:       r.str("embergraph.java_options"),
			DefaultsFile:      r.str("embergraph.defaults_file"),
			Zookeeper: Zookeeper{
				Package:    r.str("zookeeper.package"),
				Service:    r.str("zookeeper.service"),
				ConfDir:    r.str("zookeeper.conf_dir"),
				DataDir:    r.str("zookeeper.data_dir"),
				ClientPort: r.integer("zookeeper.client_port"),
				MyID:       r.integer("zookeeper.myid"),
			},
		}
	default:
		return nil, failure.UnknownFlavor(cfg.Flavor)
	}
	if r.err != nil {
		return nil, r.err
	}

	props, err := storeProperties(t)
	if err != nil {
		return nil, err
	}
	cfg.StoreProperties = props

	if err := validate.Struct(cfg); err != nil {
		return nil, failure.Validation("attribute validation failed", err)
	}
	return cfg, nil
}

// storeProperties returns the dotted keys directly under embergraph, which
// are the store engine settings.
func storeProperties(t *Tree) ([]Property, error) {
	keys, err := t.Keys("embergraph")
	if err != nil {
		return nil, err
	}
	var props []Property
	for _, k := range keys {
		if !strings.Contains(k, ".") {
			continue
		}
		v, err := t.String(FormatPath([]string{"embergraph", k}))
		if err != nil {
			return nil, err
		}
		props = append(props, Property{Key: StorePropertyPrefix + k, Value: v})
	}
	return props, nil
}
