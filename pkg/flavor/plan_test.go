package flavor

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/embergraph/provisioner/pkg/attributes"
	"github.com/embergraph/provisioner/pkg/engine"
	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
	"github.com/embergraph/provisioner/pkg/host/hosttest"
	"github.com/embergraph/provisioner/pkg/resource"
)

func resolve(t *testing.T, embergraph map[string]interface{}, extra map[string]interface{}) *attributes.Tree {
	t.Helper()
	m := map[string]interface{}{"embergraph": embergraph}
	for k, v := range extra {
		m[k] = v
	}
	tree, err := attributes.Resolve(attributes.FromMap(m))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return tree
}

func planFor(t *testing.T, embergraph map[string]interface{}, extra map[string]interface{}) *engine.Plan {
	t.Helper()
	plan, err := SelectPlan(resolve(t, embergraph, extra), Deps{})
	if err != nil {
		t.Fatalf("SelectPlan() error = %v", err)
	}
	return plan
}

func stepIDs(p *engine.Plan) []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID()
	}
	return ids
}

func index(p *engine.Plan, id string) int {
	_, i, _ := p.Step(id)
	return i
}

func requireStep(t *testing.T, p *engine.Plan, id string) resource.Step {
	t.Helper()
	s, _, ok := p.Step(id)
	if !ok {
		t.Fatalf("plan has no step %s; steps:\n%s", id, strings.Join(stepIDs(p), "\n"))
	}
	return s
}

func TestSelect(t *testing.T) {
	for _, name := range attributes.Flavors {
		tree := resolve(t, map[string]interface{}{"install_flavor": name}, nil)
		cfg, err := attributes.Build(tree)
		if err != nil {
			t.Fatalf("Build(%s) error = %v", name, err)
		}
		f, err := Select(cfg)
		if err != nil {
			t.Fatalf("Select(%s) error = %v", name, err)
		}
		if f.Name() != name {
			t.Errorf("Select(%s).Name() = %s", name, f.Name())
		}
	}

	_, err := Select(&attributes.Config{Flavor: "jetty"})
	if !failure.Is(err, failure.KindUnknownFlavor) {
		t.Errorf("Select(jetty) error = %v, want UnknownFlavor", err)
	}
	_, err = Select(&attributes.Config{Flavor: attributes.FlavorHA})
	if !failure.Is(err, failure.KindValidation) {
		t.Errorf("Select(ha without settings) error = %v, want ValidationError", err)
	}
}

func TestSelectPlanUnknownFlavor(t *testing.T) {
	_, err := attributes.Resolve(attributes.FromMap(map[string]interface{}{
		"embergraph": map[string]interface{}{"install_flavor": "jetty"},
	}))
	if !failure.Is(err, failure.KindUnknownFlavor) {
		t.Fatalf("Resolve(jetty) error = %v, want UnknownFlavor", err)
	}
}

// nameVisitor records which visitor method ran.
type nameVisitor struct{ visited string }

func (v *nameVisitor) VisitNSS(*NSS) error       { v.visited = "nss"; return nil }
func (v *nameVisitor) VisitTomcat(*Tomcat) error { v.visited = "tomcat"; return nil }
func (v *nameVisitor) VisitHA(*HA) error         { v.visited = "ha"; return nil }

func TestAcceptDispatches(t *testing.T) {
	for _, f := range []Flavor{&NSS{}, &Tomcat{}, &HA{}} {
		v := &nameVisitor{}
		if err := f.Accept(v); err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		if v.visited != f.Name() {
			t.Errorf("%s dispatched to %s", f.Name(), v.visited)
		}
	}
}

func TestScenarioNSS(t *testing.T) {
	p := planFor(t, map[string]interface{}{
		"install_flavor": "nss",
		"build_from_svn": false,
		"base_version":   "1.3.1",
	}, nil)

	if p.Flavor != "nss" {
		t.Errorf("Flavor = %s", p.Flavor)
	}
	download := requireStep(t, p, "remote_file[/tmp/bigdata-1.3.1.tgz]").(*resource.RemoteFile)
	if download.URL != "http://bigdata.com/deploy/bigdata-1.3.1.tgz" {
		t.Errorf("download URL = %s", download.URL)
	}
	requireStep(t, p, "archive[/tmp/bigdata-1.3.1.tgz]")
	requireStep(t, p, "user[embergraph]")
	svc := requireStep(t, p, "service[embergraphNSS]").(*resource.Service)
	if !svc.Enabled || !svc.Running {
		t.Errorf("service desired state = %+v", svc)
	}
	requireStep(t, p, "link[/etc/init.d/embergraphNSS]")

	for _, id := range stepIDs(p) {
		for _, foreign := range []string{"tomcat", "webapps", "zookeeper", "zoo.cfg", "embergraphHA", "svn"} {
			if strings.Contains(id, foreign) {
				t.Errorf("nss plan contains %s", id)
			}
		}
	}
	if index(p, "user[embergraph]") > index(p, "directory[/var/lib/bigdata]") {
		t.Error("home directory precedes the user owning it")
	}
}

func TestScenarioNSSFromSource(t *testing.T) {
	p := planFor(t, map[string]interface{}{
		"install_flavor": "nss",
		"build_from_svn": true,
	}, nil)

	for _, id := range stepIDs(p) {
		if strings.HasPrefix(id, "remote_file[") {
			t.Errorf("source build also downloads: %s", id)
		}
	}
	requireStep(t, p, "package[subversion]")
	checkout := requireStep(t, p, "shell_command[checkout https://svn.code.sf.net/p/bigdata/code/branches/DEPLOYMENT_BRANCH_1_3_1]").(*resource.ShellCommand)
	if checkout.Guard == nil || checkout.Guard.Description != "build_from_svn" {
		t.Errorf("checkout guard = %+v", checkout.Guard)
	}
	build := requireStep(t, p, "shell_command[build REL-NSS.embergraph-1.3.1.tgz]").(*resource.ShellCommand)
	if build.Command != "ant package-nss-brew" || build.Dir != "/home/ubuntu/bigdata-code" {
		t.Errorf("build = %q in %q", build.Command, build.Dir)
	}
	requireStep(t, p, "archive[/home/ubuntu/bigdata-code/REL-NSS.embergraph-1.3.1.tgz]")
	if index(p, build.ID()) > index(p, "archive[/home/ubuntu/bigdata-code/REL-NSS.embergraph-1.3.1.tgz]") {
		t.Error("archive extracted before it is built")
	}
}

func TestScenarioTomcatVersionThreshold(t *testing.T) {
	tests := []struct {
		version string
		wantOld string
	}{
		{"1.3.0", "../webapps/bigdata/RWStore.properties"},
		{"1.3.1", "../webapps/bigdata/WEB-INF/RWStore.properties"},
		{"1.4.0", "../webapps/bigdata/WEB-INF/RWStore.properties"},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			p := planFor(t, map[string]interface{}{
				"install_flavor": "tomcat",
				"base_version":   tt.version,
			}, nil)

			var edit *resource.TextEdit
			for _, s := range p.Steps {
				if e, ok := s.(*resource.TextEdit); ok {
					edit = e
				}
			}
			if edit == nil {
				t.Fatal("tomcat plan has no web.xml edit")
			}
			if edit.Path != "/var/lib/tomcat7/webapps/bigdata/WEB-INF/web.xml" {
				t.Errorf("edit path = %s", edit.Path)
			}
			if edit.Old != tt.wantOld {
				t.Errorf("edit replaces %q, want %q", edit.Old, tt.wantOld)
			}
			if edit.New != "/var/lib/bigdata/RWStore.properties" {
				t.Errorf("edit inserts %q", edit.New)
			}
			if edit.Retry.Attempts() < 2 {
				t.Error("web.xml edit does not retry while the archive unpacks")
			}
		})
	}

	for _, version := range []string{"latest", "1234567890123456789"} {
		t.Run(version, func(t *testing.T) {
			tree := resolve(t, map[string]interface{}{
				"install_flavor": "tomcat",
				"base_version":   version,
			}, nil)
			if _, err := SelectPlan(tree, Deps{}); !failure.Is(err, failure.KindValidation) {
				t.Fatalf("SelectPlan() error = %v, want a validation failure", err)
			}
		})
	}
}

func TestScenarioTomcat(t *testing.T) {
	p := planFor(t, map[string]interface{}{"install_flavor": "tomcat"}, nil)

	pkg := requireStep(t, p, "package[tomcat7]").(*resource.Package)
	if len(pkg.Accounts.Users) != 1 || pkg.Accounts.Users[0] != "tomcat7" {
		t.Errorf("tomcat package accounts = %+v", pkg.Accounts)
	}
	requireStep(t, p, "remote_file[/var/lib/tomcat7/webapps/bigdata.war]")
	javaOpts := requireStep(t, p, "key_value_edit[/etc/default/tomcat7]").(*resource.KeyValueEdit)
	if javaOpts.Values[0].Key != "JAVA_OPTS" {
		t.Errorf("defaults edit = %+v", javaOpts.Values)
	}
	logging := requireStep(t, p, "template[/var/lib/tomcat7/webapps/bigdata/WEB-INF/classes/log4j.properties]").(*resource.Template)
	if logging.Retry.Attempts() < 2 {
		t.Error("log4j template does not retry while the archive unpacks")
	}
	svc := requireStep(t, p, "service[tomcat7]").(*resource.Service)
	if len(svc.Subscribes) == 0 {
		t.Error("tomcat service is not restarted on configuration changes")
	}

	for _, id := range stepIDs(p) {
		for _, foreign := range []string{"embergraphNSS", "embergraphHA", "zookeeper", "user[embergraph]", "/var/jetty"} {
			if strings.Contains(id, foreign) {
				t.Errorf("tomcat plan contains %s", id)
			}
		}
	}
}

func TestScenarioHA(t *testing.T) {
	p := planFor(t, map[string]interface{}{
		"install_flavor":     "ha",
		"replication_factor": 3,
	}, nil)

	requireStep(t, p, "package[zookeeperd]")
	requireStep(t, p, "template[/etc/zookeeper/conf/zoo.cfg]")
	requireStep(t, p, "template[/etc/zookeeper/conf/myid]")
	requireStep(t, p, "service[zookeeper]")
	requireStep(t, p, "template[/etc/default/embergraphHA]")
	initScript := requireStep(t, p, "file[/etc/init.d/embergraphHA]").(*resource.File)
	if initScript.SourcePath != "/var/lib/bigdata/etc/init.d/embergraphHA" || initScript.Mode != 0o755 {
		t.Errorf("init script = %+v", initScript)
	}
	requireStep(t, p, "template[/var/lib/bigdata/var/jetty/WEB-INF/RWStore.properties]")
	requireStep(t, p, "service[embergraphHA]")

	if index(p, "service[zookeeper]") > index(p, "service[embergraphHA]") {
		t.Error("replicated service starts before the ensemble")
	}
	for _, id := range stepIDs(p) {
		for _, foreign := range []string{"embergraphNSS", "tomcat", "webapps"} {
			if strings.Contains(id, foreign) {
				t.Errorf("ha plan contains %s", id)
			}
		}
	}
}

func TestSSDLayout(t *testing.T) {
	p := planFor(t, map[string]interface{}{"install_flavor": "nss"}, map[string]interface{}{
		"ssd": map[string]interface{}{"enabled": true, "devices": []interface{}{"/dev/xvdb", "/dev/xvdc"}},
	})

	requireStep(t, p, "package[lvm2]")
	requireStep(t, p, "shell_command[pvcreate /dev/xvdc]")
	vg := requireStep(t, p, "shell_command[vgcreate vg_embergraph]").(*resource.ShellCommand)
	if vg.Command != "vgcreate vg_embergraph /dev/xvdb /dev/xvdc" {
		t.Errorf("vgcreate command = %q", vg.Command)
	}
	mount := requireStep(t, p, "mount[/var/lib/bigdata/var/data]").(*resource.Mount)
	if mount.Device != "/dev/vg_embergraph/lv_embergraph" {
		t.Errorf("mount device = %s", mount.Device)
	}

	dataDir := index(p, "directory[/var/lib/bigdata/var/data]")
	if dataDir < index(p, mount.ID()) {
		t.Error("data directory ownership is set before the volume is mounted")
	}
	count := 0
	for _, id := range stepIDs(p) {
		if id == "directory[/var/lib/bigdata/var/data]" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("data directory planned %d times", count)
	}

	plain := planFor(t, map[string]interface{}{"install_flavor": "nss"}, nil)
	for _, id := range stepIDs(plain) {
		if strings.HasPrefix(id, "mount[") || id == "package[lvm2]" {
			t.Errorf("plan without ssd contains %s", id)
		}
	}
}

func TestFlavorExclusivity(t *testing.T) {
	markers := map[string][]string{
		"nss":    {"embergraphNSS"},
		"tomcat": {"tomcat7", "webapps"},
		"ha":     {"zookeeper", "embergraphHA"},
	}
	for _, name := range attributes.Flavors {
		for _, svn := range []bool{false, true} {
			p := planFor(t, map[string]interface{}{"install_flavor": name, "build_from_svn": svn}, nil)
			for owner, ms := range markers {
				if owner == name {
					continue
				}
				for _, id := range stepIDs(p) {
					for _, m := range ms {
						if strings.Contains(id, m) {
							t.Errorf("%s plan (svn=%t) contains %s step %s", name, svn, owner, id)
						}
					}
				}
			}
		}
	}
}

// TestOwnershipOrder checks every generated plan, independently of plan
// validation: each account referenced by a step is created by an earlier
// step unless it is a system account.
func TestOwnershipOrder(t *testing.T) {
	system := map[string]bool{"root": true}
	for _, name := range attributes.Flavors {
		for _, svn := range []bool{false, true} {
			for _, ssd := range []bool{false, true} {
				p := planFor(t, map[string]interface{}{
					"install_flavor": name,
					"build_from_svn": svn,
				}, map[string]interface{}{"ssd": map[string]interface{}{"enabled": ssd}})

				users, groups := map[string]bool{}, map[string]bool{}
				for _, s := range p.Steps {
					if ref, ok := s.(resource.Referencer); ok {
						r := ref.References()
						for _, u := range r.Users {
							if !users[u] && !system[u] {
								t.Errorf("%s svn=%t ssd=%t: %s uses user %s before it exists", name, svn, ssd, s.ID(), u)
							}
						}
						for _, g := range r.Groups {
							if !groups[g] && !system[g] {
								t.Errorf("%s svn=%t ssd=%t: %s uses group %s before it exists", name, svn, ssd, s.ID(), g)
							}
						}
					}
					if pr, ok := s.(resource.Provider); ok {
						a := pr.Provides()
						for _, u := range a.Users {
							users[u] = true
						}
						for _, g := range a.Groups {
							groups[g] = true
						}
					}
				}
			}
		}
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	tree := resolve(t, map[string]interface{}{"install_flavor": "ha"}, nil)
	a, err := SelectPlan(tree, Deps{})
	if err != nil {
		t.Fatalf("SelectPlan() error = %v", err)
	}
	b, err := SelectPlan(tree, Deps{})
	if err != nil {
		t.Fatalf("SelectPlan() error = %v", err)
	}
	if strings.Join(stepIDs(a), ",") != strings.Join(stepIDs(b), ",") {
		t.Error("plans differ between selections")
	}
	if a.AttributesHash == "" || a.AttributesHash != b.AttributesHash {
		t.Errorf("attribute hashes %q and %q", a.AttributesHash, b.AttributesHash)
	}
	if a.ID == b.ID {
		t.Error("plans share an ID")
	}
}

// tarball builds a gzipped tarball with a single top-level directory.
func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	dirs := map[string]bool{}
	for name, body := range files {
		parts := strings.Split(name, "/")
		for i := 1; i < len(parts); i++ {
			dir := strings.Join(parts[:i], "/") + "/"
			if dirs[dir] {
				continue
			}
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{Name: dir, Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
				t.Fatal(err)
			}
		}
		if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func serve(t *testing.T, artifacts map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := artifacts[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// convergeTwice plans and runs twice against the same host, like two
// separate invocations, and requires the second run to find every step
// satisfied or skipped.
func convergeTwice(t *testing.T, h *hosttest.Host, plan func() *engine.Plan) *engine.Report {
	t.Helper()
	first, err := engine.NewExecutor(h).Execute(context.Background(), plan())
	if err != nil {
		var buf bytes.Buffer
		if first != nil {
			_ = first.WriteText(&buf)
		}
		t.Fatalf("first run failed: %v\n%s", err, buf.String())
	}
	if first.Summary().Applied == 0 {
		t.Fatal("first run applied nothing")
	}

	second, err := engine.NewExecutor(h).Execute(context.Background(), plan())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	for _, st := range second.Steps {
		if st.Outcome != engine.OutcomeSatisfied && st.Outcome != engine.OutcomeSkipped {
			t.Errorf("second run: %s %s (%s)", st.StepID, st.Outcome, st.Action)
		}
	}
	return first
}

func TestConvergeNSSIsIdempotent(t *testing.T) {
	srv := serve(t, map[string][]byte{
		"/bigdata-1.3.1.tgz": tarball(t, map[string]string{
			"embergraph/bin/embergraphNSS":         "#!/bin/sh\n",
			"embergraph/var/jetty/WEB-INF/web.xml": "<web-app/>\n",
		}),
	})
	plan := func() *engine.Plan {
		return planFor(t, map[string]interface{}{
			"install_flavor": "nss",
			"url":            srv.URL + "/bigdata-1.3.1.tgz",
		}, nil)
	}

	h := hosttest.New()
	convergeTwice(t, h, plan)

	if _, ok := h.User("embergraph"); !ok {
		t.Error("user embergraph was not created")
	}
	if _, ok := h.Contents("/var/lib/bigdata/bin/embergraphNSS"); !ok {
		t.Error("release was not extracted into the home directory")
	}
	props, ok := h.Contents("/var/lib/bigdata/RWStore.properties")
	if !ok || !bytes.Contains(props, []byte("org.embergraph.journal.AbstractJournal.bufferMode=DiskRW")) {
		t.Errorf("store properties = %q", props)
	}
	svc := h.Service("embergraphNSS")
	if svc == nil || !svc.Running || svc.Starts != 1 {
		t.Errorf("service = %+v, want started once", svc)
	}
}

func TestConvergeTomcatIsIdempotent(t *testing.T) {
	srv := serve(t, map[string][]byte{"/bigdata.war": []byte("war bytes")})
	plan := func() *engine.Plan {
		return planFor(t, map[string]interface{}{
			"install_flavor": "tomcat",
			"url":            srv.URL + "/bigdata.war",
		}, nil)
	}

	h := hosttest.New()
	h.OnInstall("tomcat7", func(h *hosttest.Host) {
		h.AddGroup(host.Group{Name: "tomcat7", GID: "120"})
		h.AddUser(host.User{Name: "tomcat7", UID: "120", Group: "tomcat7", Home: "/usr/share/tomcat7", Shell: "/bin/false"})
		h.AddFile("/etc/default/tomcat7", []byte("TOMCAT7_USER=tomcat7\nJAVA_OPTS=\"-Djava.awt.headless=true -Xmx128m\"\n"), 0o644, "root", "root")
		h.AddDir("/var/lib/tomcat7/webapps/bigdata/WEB-INF/classes", 0o755, "tomcat7", "tomcat7")
		h.AddFile("/var/lib/tomcat7/webapps/bigdata/WEB-INF/web.xml",
			[]byte("<param-value>../webapps/bigdata/WEB-INF/RWStore.properties</param-value>\n"), 0o644, "tomcat7", "tomcat7")
		h.AddService("tomcat7", true, true)
	})

	first := convergeTwice(t, h, plan)

	webXML, _ := h.Contents("/var/lib/tomcat7/webapps/bigdata/WEB-INF/web.xml")
	if !bytes.Contains(webXML, []byte("<param-value>/var/lib/bigdata/RWStore.properties</param-value>")) {
		t.Errorf("web.xml = %s", webXML)
	}
	defaults, _ := h.Contents("/etc/default/tomcat7")
	if !bytes.Contains(defaults, []byte(`JAVA_OPTS="-Djava.awt.headless=true -server -Xmx4G -XX:+UseG1GC"`)) {
		t.Errorf("defaults = %s", defaults)
	}
	if got := h.Service("tomcat7").Restarts; got != 1 {
		t.Errorf("tomcat7 restarted %d times, want 1", got)
	}
	if !first.Applied("service[tomcat7]") {
		t.Error("first run did not restart the application server")
	}
}

func TestConvergeTomcatWaitsForUnpackedArchive(t *testing.T) {
	srv := serve(t, map[string][]byte{"/bigdata.war": []byte("war bytes")})
	retry := resource.RetryPolicy{MaxAttempts: 3}
	tree := resolve(t, map[string]interface{}{
		"install_flavor": "tomcat",
		"url":            srv.URL + "/bigdata.war",
	}, nil)
	p, err := SelectPlan(tree, Deps{WebappRetry: &retry})
	if err != nil {
		t.Fatalf("SelectPlan() error = %v", err)
	}

	h := hosttest.New()
	h.OnInstall("tomcat7", func(h *hosttest.Host) {
		h.AddGroup(host.Group{Name: "tomcat7", GID: "120"})
		h.AddUser(host.User{Name: "tomcat7", UID: "120", Group: "tomcat7"})
		h.AddFile("/etc/default/tomcat7", []byte("JAVA_OPTS=\"\"\n"), 0o644, "root", "root")
		h.AddDir("/var/lib/tomcat7/webapps", 0o755, "tomcat7", "tomcat7")
		h.AddService("tomcat7", true, true)
	})

	report, err := engine.NewExecutor(h).Execute(context.Background(), p)
	if !failure.Is(err, failure.KindApply) {
		t.Fatalf("Execute() error = %v, want ApplyError after retries", err)
	}
	first, _ := report.FirstFailure()
	if !strings.HasPrefix(first.StepID, "text_edit[") || first.Attempts != 3 {
		t.Errorf("failed step = %s after %d attempts", first.StepID, first.Attempts)
	}
	if report.ExitCode() == 0 {
		t.Error("failed run exits 0")
	}
}

func TestConvergeHAIsIdempotent(t *testing.T) {
	srv := serve(t, map[string][]byte{
		"/REL.embergraph-1.3.1.tgz": tarball(t, map[string]string{
			"embergraph/etc/init.d/embergraphHA":   "#!/bin/sh\n",
			"embergraph/var/jetty/WEB-INF/web.xml": "<web-app/>\n",
		}),
	})
	plan := func() *engine.Plan {
		return planFor(t, map[string]interface{}{
			"install_flavor": "ha",
			"url":            srv.URL + "/REL.embergraph-1.3.1.tgz",
		}, nil)
	}

	h := hosttest.New()
	h.OnInstall("zookeeperd", func(h *hosttest.Host) {
		h.AddGroup(host.Group{Name: "zookeeper", GID: "121"})
		h.AddUser(host.User{Name: "zookeeper", UID: "121", Group: "zookeeper"})
		h.AddDir("/etc/zookeeper", 0o755, "root", "root")
		h.AddDir("/etc/zookeeper/conf", 0o755, "root", "root")
		h.AddService("zookeeper", true, true)
	})

	convergeTwice(t, h, plan)

	zoo, _ := h.Contents("/etc/zookeeper/conf/zoo.cfg")
	for _, want := range []string{"server.1=embergraphA:2888:3888", "server.3=embergraphC:2888:3888"} {
		if !bytes.Contains(zoo, []byte(want)) {
			t.Errorf("zoo.cfg missing %q:\n%s", want, zoo)
		}
	}
	initScript, ok := h.Contents("/etc/init.d/embergraphHA")
	if !ok || string(initScript) != "#!/bin/sh\n" {
		t.Errorf("init script = %q", initScript)
	}
	if svc := h.Service("embergraphHA"); svc == nil || !svc.Running {
		t.Errorf("embergraphHA = %+v, want running", svc)
	}
}
