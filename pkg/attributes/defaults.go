package attributes

import (
	"fmt"
	"strings"

	"github.com/embergraph/provisioner/pkg/failure"
)

// Recognized install flavors.
const (
	FlavorNSS    = "nss"
	FlavorTomcat = "tomcat"
	FlavorHA     = "ha"
)

// Flavors lists the recognized install flavors in declaration order.
var Flavors = []string{FlavorNSS, FlavorTomcat, FlavorHA}

// Well-known attribute paths.
const (
	PathFlavor       = "embergraph.install_flavor"
	PathBaseVersion  = "embergraph.base_version"
	PathBuildFromSVN = "embergraph.build_from_svn"
	PathHome         = "embergraph.home"
)

// storePropertyKeys are the RWStore settings shared by every flavor. Each is
// written as org.embergraph.<key> in the store configuration file.
var storePropertyDefaults = [][2]string{
	{"journal.AbstractJournal.bufferMode", "DiskRW"},
	{"service.AbstractTransactionService.minReleaseAge", "1"},
	{"btree.writeRetentionQueue.capacity", "4000"},
	{"btree.BTree.branchingFactor", "128"},
	{"journal.AbstractJournal.initialExtent", "209715200"},
	{"journal.AbstractJournal.maximumExtent", "209715200"},
	{"rdf.sail.truthMaintenance", "false"},
	{"rdf.store.AbstractTripleStore.quads", "false"},
	{"rdf.store.AbstractTripleStore.statementIdentifiers", "false"},
	{"rdf.store.AbstractTripleStore.textIndex", "false"},
	{"rdf.store.AbstractTripleStore.axiomsClass", "org.embergraph.rdf.axioms.NoAxioms"},
	{"namespace.kb.lex.org.embergraph.btree.BTree.branchingFactor", "400"},
	{"namespace.kb.spo.org.embergraph.btree.BTree.branchingFactor", "1024"},
	{"rdf.sail.bufferCapacity", "100000"},
}

// concat derives a string attribute by appending suffix to another attribute.
func concat(path, suffix string) DeriveFunc {
	return func(t *Tree) (interface{}, error) {
		base, err := t.String(path)
		if err != nil {
			return nil, err
		}
		return base + suffix, nil
	}
}

// interpolate derives a string by substituting {path} placeholders.
func interpolate(pattern string) DeriveFunc {
	return func(t *Tree) (interface{}, error) {
		var b strings.Builder
		rest := pattern
		for {
			start := strings.IndexByte(rest, '{')
			if start < 0 {
				b.WriteString(rest)
				return b.String(), nil
			}
			end := strings.IndexByte(rest[start:], '}')
			if end < 0 {
				return nil, failure.Validation(fmt.Sprintf("unterminated placeholder in %q", pattern), nil)
			}
			value, err := t.String(rest[start+1 : start+end])
			if err != nil {
				return nil, err
			}
			b.WriteString(rest[:start])
			b.WriteString(value)
			rest = rest[start+end+1:]
		}
	}
}

// Defaults returns the flavor-independent default attributes.
func Defaults() *Tree {
	t := New()
	t.MustSet("embergraph.home", "/var/lib/bigdata")
	t.MustSet("embergraph.user", "embergraph")
	t.MustSet("embergraph.group", "embergraph")
	t.MustSet("embergraph.base_version", "1.3.1")
	t.MustSet("embergraph.build_from_svn", false)
	t.MustSet("embergraph.source_dir", "/home/ubuntu/bigdata-code")
	t.MustDerive("embergraph.properties", concat(PathHome, "/RWStore.properties"))
	t.MustSet("embergraph.shell", "/bin/false")
	t.MustSet("embergraph.service_manager", "sysv")
	t.MustSet("embergraph.download_dir", "/tmp")

	for _, kv := range storePropertyDefaults {
		t.MustSet(FormatPath([]string{"embergraph", kv[0]}), kv[1])
	}

	t.MustSet("java.package", "openjdk-7-jdk")

	t.MustSet("tomcat.base_version", 7)
	t.MustDerive("tomcat.package", interpolate("tomcat{tomcat.base_version}"))
	t.MustDerive("tomcat.user", interpolate("tomcat{tomcat.base_version}"))
	t.MustDerive("tomcat.group", interpolate("tomcat{tomcat.base_version}"))
	t.MustDerive("tomcat.service", interpolate("tomcat{tomcat.base_version}"))
	t.MustDerive("tomcat.webapp_dir", interpolate("/var/lib/tomcat{tomcat.base_version}/webapps"))
	t.MustDerive("tomcat.defaults_file", interpolate("/etc/default/tomcat{tomcat.base_version}"))

	t.MustSet("ssd.enabled", false)
	t.MustSet("ssd.devices", []string{"/dev/xvdb"})
	t.MustSet("ssd.volume_group", "vg_embergraph")
	t.MustSet("ssd.logical_volume", "lv_embergraph")
	t.MustSet("ssd.fs_type", "ext4")
	t.MustDerive("ssd.mount_point", func(t *Tree) (interface{}, error) {
		return t.String("embergraph.data_dir")
	})

	t.MustSet("mapgraph.svn_branch", "https://svn.code.sf.net/p/mpgraph/code/trunk")
	t.MustSet("mapgraph.source_dir", "/home/ec2-user/mapgraph-code")
	return t
}

// Overlay returns the partial attribute set a flavor layers on top of the
// defaults. Values that depend on other attributes are derivations, so they
// see the fully merged tree including deployment overrides.
func Overlay(flavor string) (*Tree, error) {
	t := New()
	switch flavor {
	case FlavorNSS:
		t.MustDerive("embergraph.url", interpolate("http://bigdata.com/deploy/bigdata-{embergraph.base_version}.tgz"))
		t.MustDerive("embergraph.jetty_dir", concat(PathHome, "/var/jetty"))
		t.MustDerive("embergraph.log_dir", concat(PathHome, "/var/log"))
		t.MustDerive("embergraph.data_dir", concat(PathHome, "/var/data"))
		t.MustDerive("embergraph.log4j_properties", concat(PathHome, "/var/config/logging/log4j.properties"))
		t.MustSet("embergraph.svn_branch", "https://svn.code.sf.net/p/bigdata/code/branches/DEPLOYMENT_BRANCH_1_3_1")
		t.MustSet("embergraph.service_name", "embergraphNSS")
	case FlavorTomcat:
		t.MustSet("tomcat.java_options", "-Djava.awt.headless=true -server -Xmx4G -XX:+UseG1GC")
		t.MustDerive("embergraph.url", interpolate("http://hivelocity.dl.sourceforge.net/project/bigdata/bigdata/{embergraph.base_version}/bigdata.war"))
		t.MustDerive("embergraph.web_home", concat("tomcat.webapp_dir", "/bigdata"))
		t.MustDerive("embergraph.log4j_properties", concat("embergraph.web_home", "/WEB-INF/classes/log4j.properties"))
		t.MustDerive("embergraph.data_dir", concat(PathHome, "/data"))
		t.MustDerive("embergraph.log_dir", concat(PathHome, "/log"))
		t.MustSet("embergraph.svn_branch", "https://svn.code.sf.net/p/bigdata/code/branches/BIGDATA_RELEASE_1_3_0")
		t.MustDerive("embergraph.service_name", func(t *Tree) (interface{}, error) {
			return t.String("tomcat.service")
		})
	case FlavorHA:
		t.MustDerive("embergraph.url", interpolate("http://softlayer-dal.dl.sourceforge.net/project/bigdata/bigdata/{embergraph.base_version}/REL.embergraph-{embergraph.base_version}.tgz"))
		t.MustSet("embergraph.svn_branch", "https://svn.code.sf.net/p/bigdata/code/branches/DEPLOYMENT_BRANCH_1_3_1")
		t.MustDerive("embergraph.data_dir", concat(PathHome, "/data"))
		t.MustDerive("embergraph.log_dir", concat(PathHome, "/log"))
		t.MustDerive("embergraph.jetty_dir", concat(PathHome, "/var/jetty"))
		t.MustDerive("embergraph.properties", concat("embergraph.jetty_dir", "/WEB-INF/RWStore.properties"))
		t.MustDerive("embergraph.log4j_properties", concat(PathHome, "/var/config/logging/log4jHA.properties"))
		t.MustSet("embergraph.fedname", "my-cluster-1")
		t.MustSet("embergraph.logical_service_id", "HA-Replication-Cluster-1")
		t.MustSet("embergraph.replication_factor", 3)
		t.MustSet("embergraph.river_locator1", "33.33.33.10")
		t.MustSet("embergraph.river_locator2", "33.33.33.11")
		t.MustSet("embergraph.river_locator3", "33.33.33.12")
		t.MustSet("embergraph.zk_server1", "embergraphA")
		t.MustSet("embergraph.zk_server2", "embergraphB")
		t.MustSet("embergraph.zk_server3", "embergraphC")
		t.MustSet("embergraph.java_options", "-server -Xmx4G -XX:MaxDirectMemorySize=3000m")
		t.MustSet("embergraph.service_name", "embergraphHA")
		t.MustSet("embergraph.defaults_file", "/etc/default/embergraphHA")
		t.MustSet("zookeeper.package", "zookeeperd")
		t.MustSet("zookeeper.service", "zookeeper")
		t.MustSet("zookeeper.conf_dir", "/etc/zookeeper/conf")
		t.MustSet("zookeeper.data_dir", "/var/lib/zookeeper")
		t.MustSet("zookeeper.client_port", 2181)
		t.MustSet("zookeeper.myid", 1)
	default:
		return nil, failure.UnknownFlavor(flavor)
	}
	return t, nil
}

// Resolve builds the fully merged attribute tree for a run: the defaults,
// then the overlay of the flavor named in the overrides, then the overrides.
func Resolve(overrides *Tree) (*Tree, error) {
	if overrides == nil {
		overrides = New()
	}
	base := Defaults().Merge(overrides)
	flavor, err := base.String(PathFlavor)
	if err != nil {
		if failure.Is(err, failure.KindMissingAttribute) {
			return nil, failure.Validation("install_flavor is not set", err).WithDetail("path", PathFlavor)
		}
		return nil, err
	}
	overlay, err := Overlay(flavor)
	if err != nil {
		return nil, err
	}
	return Defaults().Merge(overlay).Merge(overrides), nil
}

// CompareVersion compares two versions numerically after stripping every
// non-digit character, so "1.3.0" compares as 130. It returns -1, 0 or 1.
func CompareVersion(a, b string) (int, error) {
	na, err := versionNumber(a)
	if err != nil {
		return 0, err
	}
	nb, err := versionNumber(b)
	if err != nil {
		return 0, err
	}
	switch {
	case na < nb:
		return -1, nil
	case na > nb:
		return 1, nil
	default:
		return 0, nil
	}
}

// maxVersionDigits keeps versionNumber within int64.
const maxVersionDigits = 18

func versionNumber(v string) (int64, error) {
	var n int64
	digits := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			continue
		}
		if digits == maxVersionDigits {
			return 0, failure.Validation(fmt.Sprintf("version %q has more than %d digits", v, maxVersionDigits), nil)
		}
		n = n*10 + int64(r-'0')
		digits++
	}
	if digits == 0 {
		return 0, failure.Validation(fmt.Sprintf("version %q has no digits", v), nil)
	}
	return n, nil
}
