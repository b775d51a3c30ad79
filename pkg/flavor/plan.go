package flavor

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/host"
	"github.com/embergraph/provisioner/pkg/render"
	"github.com/embergraph/provisioner/pkg/resource"
)

// WebXMLPathCutoff is the first release that reads the store configuration
// from WEB-INF inside the web archive.
const WebXMLPathCutoff = "1.3.1"

// Retry policies for steps that wait on the application server to unpack the
// web archive after it starts.
var (
	WebXMLRetry = resource.RetryPolicy{MaxAttempts: 5, Delay: 10 * time.Second}
	WebappRetry = resource.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second}
)

// Deps are the collaborators plan steps need at execution time.
type Deps struct {
	// Renderer renders template steps. A renderer over the embedded
	// templates is used when nil.
	Renderer *render.Renderer

	// Ledger also records download hashes for remote files, if set. The
	// hash of each download is always kept next to it on the host.
	Ledger resource.ChecksumLedger

	// HTTPClient fetches remote files; resource.DefaultHTTPClient when nil.
	HTTPClient *http.Client

	// WebappRetry overrides the retry policy of the steps waiting on the
	// application server to unpack the web archive.
	WebappRetry *resource.RetryPolicy
}

// SelectPlan resolves the configuration from a merged attribute tree and
// returns the validated plan for its flavor.
func SelectPlan(tree *attributes.Tree, deps Deps) (*engine.Plan, error) {
	cfg, err := attributes.Build(tree)
	if err != nil {
		return nil, err
	}
	hash, err := tree.Hash()
	if err != nil {
		return nil, err
	}
	return PlanFor(cfg, hash, deps)
}

// PlanFor builds the plan for an already built configuration.
func PlanFor(cfg *attributes.Config, attributesHash string, deps Deps) (*engine.Plan, error) {
	f, err := Select(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Renderer == nil {
		deps.Renderer = render.New()
	}

	b := &builder{cfg: cfg, deps: deps, dirs: make(map[string]bool)}
	if err := f.Accept(b); err != nil {
		return nil, err
	}

	plan := engine.NewPlan(f.Name(), attributesHash, b.steps)
	plan.Metadata["base_version"] = cfg.Common.BaseVersion
	plan.Metadata["build_from_svn"] = cfg.Common.BuildFromSVN
	plan.Metadata["service"] = cfg.Common.ServiceName
	plan.Metadata["ssd"] = cfg.SSD.Enabled
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// builder is the Visitor that assembles each flavor's steps.
type builder struct {
	cfg   *attributes.Config
	deps  Deps
	steps []resource.Step
	dirs  map[string]bool
}

func (b *builder) add(steps ...resource.Step) {
	b.steps = append(b.steps, steps...)
}

// directory adds a directory step unless one for the same path exists.
func (b *builder) directory(p, owner, group string) {
	if b.dirs[p] {
		return
	}
	b.dirs[p] = true
	b.add(&resource.Directory{Path: p, Owner: owner, Group: group, Mode: 0o755})
}

func (b *builder) template(p, id, owner, group string) *resource.Template {
	t := &resource.Template{
		Path:     p,
		Owner:    owner,
		Group:    group,
		Mode:     0o644,
		Template: id,
		Renderer: b.deps.Renderer,
		Config:   b.cfg,
	}
	b.add(t)
	return t
}

func (b *builder) webappRetry() resource.RetryPolicy {
	if b.deps.WebappRetry != nil {
		return *b.deps.WebappRetry
	}
	return WebappRetry
}

func (b *builder) webXMLRetry() resource.RetryPolicy {
	if b.deps.WebappRetry != nil {
		return *b.deps.WebappRetry
	}
	return WebXMLRetry
}

func (b *builder) java() {
	b.add(&resource.Package{Name: b.cfg.Common.JavaPackage})
}

// accounts creates the service group, the service user and its home.
func (b *builder) accounts() {
	c := b.cfg.Common
	b.add(
		&resource.Group{Name: c.Group, System: true},
		&resource.User{Name: c.User, Group: c.Group, Home: c.Home, Shell: c.Shell, System: true},
	)
	b.directory(c.Home, c.User, c.Group)
}

// sourceBuild adds the steps that check out and build target from source.
// They are only planned when build_from_svn is set and carry the branch
// condition as their guard.
func (b *builder) sourceBuild(target string) {
	c := b.cfg.Common
	guard := resource.When("build_from_svn", true)
	svn := &resource.Package{Name: "subversion"}
	svn.Guard = guard
	ant := &resource.Package{Name: "ant"}
	ant.Guard = guard
	checkout := &resource.ShellCommand{
		Name:      "checkout " + c.SVNBranch,
		Command:   fmt.Sprintf("svn checkout %s %s", host.ShellQuote(c.SVNBranch), host.ShellQuote(c.SourceDir)),
		Predicate: resource.Creates(path.Join(c.SourceDir, ".svn")),
	}
	checkout.Guard = guard
	build := &resource.ShellCommand{
		Name:      "build " + path.Base(target),
		Command:   "ant " + buildTarget(b.cfg.Flavor),
		Dir:       c.SourceDir,
		Predicate: resource.Creates(target),
	}
	build.Guard = guard
	b.add(svn, ant, checkout, build)
}

func buildTarget(flavor string) string {
	switch flavor {
	case attributes.FlavorNSS:
		return "package-nss-brew"
	case attributes.FlavorTomcat:
		return "war"
	default:
		return "deploy-artifact"
	}
}

// release adds the steps installing the release tarball into the home
// directory, either downloaded or built from source, and returns the steps
// whose change should restart the service.
func (b *builder) release(artifact, creates string) []string {
	c := b.cfg.Common
	if c.BuildFromSVN {
		built := path.Join(c.SourceDir, artifact)
		b.sourceBuild(built)
		extract := &resource.Archive{
			Source:          built,
			Destination:     c.Home,
			StripComponents: 1,
			Creates:         creates,
			Owner:           c.User,
			Group:           c.Group,
		}
		extract.Guard = resource.When("build_from_svn", true)
		b.add(extract)
		return []string{extract.ID()}
	}

	download := &resource.RemoteFile{
		URL:    c.URL,
		Path:   path.Join(c.DownloadDir, path.Base(c.URL)),
		Mode:   0o644,
		Ledger: b.deps.Ledger,
		Client: b.deps.HTTPClient,
	}
	extract := &resource.Archive{
		Source:          download.Path,
		Destination:     c.Home,
		StripComponents: 1,
		Creates:         creates,
		Owner:           c.User,
		Group:           c.Group,
	}
	b.add(download, extract)
	return []string{extract.ID()}
}

// ssd adds the optional SSD-backed logical volume mounted at the configured
// mount point, owned by the given accounts.
func (b *builder) ssd(owner, group string) {
	s := b.cfg.SSD
	if !s.Enabled {
		return
	}
	b.add(&resource.Package{Name: "lvm2"})
	for _, dev := range s.Devices {
		b.add(&resource.ShellCommand{
			Name:      "pvcreate " + dev,
			Command:   "pvcreate " + host.ShellQuote(dev),
			Predicate: resource.NotIf("pvs " + host.ShellQuote(dev)),
		})
	}
	lv := s.LogicalVolumePath()
	devices := make([]string, len(s.Devices))
	for i, dev := range s.Devices {
		devices[i] = host.ShellQuote(dev)
	}
	vg := host.ShellQuote(s.VolumeGroup)
	b.add(
		&resource.ShellCommand{
			Name:      "vgcreate " + s.VolumeGroup,
			Command:   fmt.Sprintf("vgcreate %s %s", vg, strings.Join(devices, " ")),
			Predicate: resource.NotIf("vgs " + vg),
		},
		&resource.ShellCommand{
			Name:      "lvcreate " + s.LogicalVolume,
			Command:   fmt.Sprintf("lvcreate -l 100%%FREE -n %s %s", host.ShellQuote(s.LogicalVolume), vg),
			Predicate: resource.NotIf("lvs " + host.ShellQuote(s.VolumeGroup+"/"+s.LogicalVolume)),
		},
		&resource.ShellCommand{
			Name:      "mkfs " + lv,
			Command:   fmt.Sprintf("mkfs -t %s %s", host.ShellQuote(s.FSType), host.ShellQuote(lv)),
			Predicate: resource.NotIf("blkid " + host.ShellQuote(lv)),
		},
		&resource.Mount{Device: lv, MountPoint: s.MountPoint, FSType: s.FSType},
	)
	b.directory(s.MountPoint, owner, group)
}

func (b *builder) service(name string, subscribes []string) {
	svc := &resource.Service{
		Name:    name,
		Manager: b.cfg.Common.ServiceManager,
		Enabled: true,
		Running: true,
	}
	svc.Subscribes = subscribes
	b.add(svc)
}

// purgeLogs removes stale logs before a restart triggered by the given steps.
func (b *builder) purgeLogs(subscribes []string) {
	p := &resource.Purge{Pattern: path.Join(b.cfg.Common.LogDir, "*"), OnChange: true}
	p.Subscribes = subscribes
	b.add(p)
}

// VisitNSS builds the standalone service plan.
func (b *builder) VisitNSS(f *NSS) error {
	c := b.cfg.Common
	b.java()
	b.accounts()
	b.ssd(c.User, c.Group)

	changed := b.release(fmt.Sprintf("REL-NSS.embergraph-%s.tgz", c.BaseVersion), path.Join(c.Home, "bin", c.ServiceName))
	b.directory(c.DataDir, c.User, c.Group)
	b.directory(c.LogDir, c.User, c.Group)
	b.directory(path.Dir(c.PropertiesPath), c.User, c.Group)
	b.directory(path.Dir(c.Log4jPath), c.User, c.Group)

	initScript := &resource.Link{
		Path:   path.Join("/etc/init.d", c.ServiceName),
		Target: path.Join(c.Home, "bin", c.ServiceName),
	}
	b.add(initScript)

	store := b.template(c.PropertiesPath, render.StoreProperties, c.User, c.Group)
	logging := b.template(c.Log4jPath, render.Log4j, c.User, c.Group)
	changed = append(changed, initScript.ID(), store.ID(), logging.ID())

	b.purgeLogs(changed)
	b.service(c.ServiceName, changed)
	return nil
}

// VisitTomcat builds the web archive plan. The application server unpacks
// the archive asynchronously after it starts, so the steps editing files
// inside the unpacked archive declare retries.
func (b *builder) VisitTomcat(f *Tomcat) error {
	c := b.cfg.Common
	s := f.Settings
	b.java()
	server := &resource.Package{
		Name:     s.Package,
		Accounts: resource.Accounts{Users: []string{s.User}, Groups: []string{s.Group}},
	}
	b.add(server)

	javaOpts := &resource.KeyValueEdit{
		Path:   s.DefaultsFile,
		Values: []resource.KeyValue{{Key: "JAVA_OPTS", Value: s.JavaOptions}},
		Quote:  true,
	}
	b.add(javaOpts)

	b.ssd(s.User, s.Group)
	b.directory(c.Home, s.User, s.Group)
	b.directory(c.DataDir, s.User, s.Group)
	b.directory(c.LogDir, s.User, s.Group)

	war := path.Join(s.WebappDir, path.Base(s.WebHome)+".war")
	var deployed resource.Step
	if c.BuildFromSVN {
		built := path.Join(c.SourceDir, "ant-build", "embergraph.war")
		b.sourceBuild(built)
		copied := &resource.File{Path: war, SourcePath: built, Owner: s.User, Group: s.Group, Mode: 0o644}
		copied.Guard = resource.When("build_from_svn", true)
		deployed = copied
	} else {
		deployed = &resource.RemoteFile{
			URL:    c.URL,
			Path:   war,
			Owner:  s.User,
			Group:  s.Group,
			Mode:   0o644,
			Ledger: b.deps.Ledger,
			Client: b.deps.HTTPClient,
		}
	}
	b.add(deployed)

	old, err := storeParamPattern(c.BaseVersion, path.Base(s.WebHome))
	if err != nil {
		return err
	}
	webXML := &resource.TextEdit{
		Path: path.Join(s.WebHome, "WEB-INF", "web.xml"),
		Old:  old,
		New:  c.PropertiesPath,
	}
	webXML.Retry = b.webXMLRetry()
	b.add(webXML)

	store := b.template(c.PropertiesPath, render.StoreProperties, s.User, s.Group)
	logging := b.template(c.Log4jPath, render.Log4j, s.User, s.Group)
	logging.Retry = b.webappRetry()

	b.service(s.Service, []string{javaOpts.ID(), deployed.ID(), webXML.ID(), store.ID(), logging.ID()})
	return nil
}

// storeParamPattern returns the relative store configuration path the
// packaged web.xml refers to. Releases from the cutoff on keep it inside
// WEB-INF.
func storeParamPattern(baseVersion, webapp string) (string, error) {
	cmp, err := attributes.CompareVersion(baseVersion, WebXMLPathCutoff)
	if err != nil {
		return "", err
	}
	if cmp < 0 {
		return fmt.Sprintf("../webapps/%s/RWStore.properties", webapp), nil
	}
	return fmt.Sprintf("../webapps/%s/WEB-INF/RWStore.properties", webapp), nil
}

// VisitHA builds the replicated cluster plan: the coordination ensemble
// first, then the replicated service.
func (b *builder) VisitHA(f *HA) error {
	c := b.cfg.Common
	s := f.Settings
	zk := s.Zookeeper
	b.java()
	b.add(&resource.Package{
		Name:     zk.Package,
		Accounts: resource.Accounts{Users: []string{"zookeeper"}, Groups: []string{"zookeeper"}},
	})
	zooCfg := b.template(path.Join(zk.ConfDir, "zoo.cfg"), render.ZooConfig, "root", "root")
	myID := b.template(path.Join(zk.ConfDir, "myid"), render.ZookeeperMyID, "root", "root")
	b.service(zk.Service, []string{zooCfg.ID(), myID.ID()})

	b.accounts()
	b.ssd(c.User, c.Group)

	changed := b.release(fmt.Sprintf("REL.embergraph-%s.tgz", c.BaseVersion), path.Join(c.Home, "etc", "init.d", c.ServiceName))
	b.directory(c.DataDir, c.User, c.Group)
	b.directory(c.LogDir, c.User, c.Group)

	defaults := b.template(s.DefaultsFile, render.HAServiceDefault, "root", "root")
	initScript := &resource.File{
		Path:       path.Join("/etc/init.d", c.ServiceName),
		SourcePath: path.Join(c.Home, "etc", "init.d", c.ServiceName),
		Owner:      "root",
		Group:      "root",
		Mode:       0o755,
	}
	b.add(initScript)

	b.directory(path.Dir(c.PropertiesPath), c.User, c.Group)
	b.directory(path.Dir(c.Log4jPath), c.User, c.Group)
	store := b.template(c.PropertiesPath, render.StoreProperties, c.User, c.Group)
	logging := b.template(c.Log4jPath, render.Log4jHA, c.User, c.Group)
	changed = append(changed, defaults.ID(), initScript.ID(), store.ID(), logging.ID())

	b.purgeLogs(changed)
	b.service(c.ServiceName, changed)
	return nil
}
