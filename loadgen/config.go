// Package loadgen implements ldclt's command-line surface, configuration,
// worker orchestration, and monitor/watchdog loop described in spec §6.
package loadgen

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// ExitCode mirrors §7's exit-status taxonomy: distinct integers, never a
// raw process exit() called from inside library code (spec §9's redesign
// note) — every function that would historically call exit() instead
// returns an *ExitError that only cmd/ldclt's main translates into
// os.Exit.
type ExitCode int

const (
	ExitOK            ExitCode = 0
	ExitBadParams     ExitCode = 2
	ExitMaxErrors     ExitCode = 3
	ExitCannotBind    ExitCode = 4
	ExitCryptoFailure ExitCode = 5
	ExitMutexFailure  ExitCode = 6
	ExitInitFailure   ExitCode = 7
	ExitResourceLimit ExitCode = 8
	ExitOther         ExitCode = 99
)

// ExitError pairs a process exit code with the message that should be
// printed before exiting.
type ExitError struct {
	Code ExitCode
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

func badParams(format string, args ...any) *ExitError {
	return &ExitError{Code: ExitBadParams, Msg: fmt.Sprintf(format, args...)}
}

// ReferralPolicy is the `referral=` sub-option.
type ReferralPolicy int

const (
	ReferralOff ReferralPolicy = iota
	ReferralOn
	ReferralRebind
)

// ScopeKind is the `-s` search-scope flag.
type ScopeKind int

const (
	ScopeBase ScopeKind = iota
	ScopeOne
	ScopeSubtree
)

// SASLFlags is the `-o flags=` sub-option.
type SASLFlags int

const (
	SASLAutomatic SASLFlags = iota
	SASLInteractive
	SASLQuiet
)

// SASLOptions holds the `-o` sub-options.
type SASLOptions struct {
	Mech, AuthID, AuthzID, Realm, SecProps string
	Flags                                  SASLFlags
}

// EOptions holds every `-e` sub-option. It is immutable once parsed.
type EOptions struct {
	ESearch, BindEach, Random, Close, Incr, Add, Person, Delete        bool
	EmailPerson, String, RandomBase, V2, ASCII, NoLoop, Rename         bool
	InetOrgPerson, CountEach, WithNewParent, NoGlobalStats             bool
	RandomBindDN, SmoothShutdown, CommonCounter, DontSleepOnServerDown bool
	BindOnly, RandomAuthID                                             bool

	RandomBaseLow, RandomBaseHigh       int
	RandomBindDNLow, RandomBindDNHigh   int
	RandomAuthIDLow, RandomAuthIDHigh   int
	ImagesDir                           string
	AttrReplaceName, AttrReplacePattern string
	CltCertName, KeyDBFile, KeyDBPin    string
	AttrsOnly                           bool
	AttrList, RandomAttrList            []string
	ObjectFile                          string
	GenLDIFFile                         string
	Append                              bool
	RDNType, RDNPattern                 string
	RandomBindDNFromFile                string
	Scalab01                            bool
	Scalab01CnxDuration                 int
	Scalab01Wait                        int
	Scalab01MaxCnxNb                    int
	Referral                            ReferralPolicy
}

// Config is the process-wide, immutable configuration assembled by
// ParseArgs, mirroring the "global mutable main context" redesign note from
// spec §9: everything that is read-only after startup lives here; the
// small amount that mutates at runtime (histograms, counters) lives in
// stats.Monitor and in each Worker instead.
type Config struct {
	Host, BindDN, Password, Base, Filter string
	Port                                 int
	AsyncMax, AsyncMin                   int
	MaxErrors                            int
	IgnoreErrors                         []int
	Threads                              int
	SampleBudget                         int
	InactivitySamples                    int
	MasterPort                           int
	Quiet, SuperQuiet                    bool
	RandomLow, RandomHigh                int
	Scope                                ScopeKind
	Timeout                              int
	SlaveHosts                           []string
	TotalOps                             int
	Verbose                              bool
	WaitSeconds                          int
	CertFile                             string

	SASL SASLOptions
	E    EOptions
}

const (
	maxIgnoreErrors = 20
	maxSlaveHosts   = 20
)

type intSliceFlag struct {
	vals *[]int
	max  int
}

func (f *intSliceFlag) String() string { return "" }
func (f *intSliceFlag) Set(s string) error {
	if len(*f.vals) >= f.max {
		return fmt.Errorf("at most %d occurrences allowed", f.max)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.vals = append(*f.vals, n)
	return nil
}

type stringSliceFlag struct {
	vals *[]string
	max  int
}

func (f *stringSliceFlag) String() string { return "" }
func (f *stringSliceFlag) Set(s string) error {
	if len(*f.vals) >= f.max {
		return fmt.Errorf("at most %d occurrences allowed", f.max)
	}
	*f.vals = append(*f.vals, s)
	return nil
}

// ParseArgs parses the ldclt command-line surface (§6). A parse or
// validation failure is returned as *ExitError{Code: ExitBadParams}.
func ParseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("ldclt", flag.ContinueOnError)
	fs.Usage = func() {} // help text is cmd/ldclt's concern (out of scope here)

	cfg := &Config{
		AsyncMax:  0,
		MaxErrors: 1 << 30,
		Threads:   1,
		Timeout:   30,
		Scope:     ScopeSubtree,
	}

	var eSpecs, oSpecs []string
	var eRaw stringListFlag
	var oRaw stringListFlag

	fs.IntVar(&cfg.AsyncMax, "a", 0, "async max pending")
	fs.StringVar(&cfg.Base, "b", "", "base DN")
	fs.StringVar(&cfg.BindDN, "D", "", "bind DN")
	fs.Var(&eRaw, "e", "sub-options")
	fs.IntVar(&cfg.MaxErrors, "E", cfg.MaxErrors, "max errors")
	fs.StringVar(&cfg.Filter, "f", "", "filter")
	fs.StringVar(&cfg.Host, "h", "localhost", "host")
	fs.IntVar(&cfg.InactivitySamples, "i", 0, "inactivity sample limit")
	fs.Var(&intSliceFlag{&cfg.IgnoreErrors, maxIgnoreErrors}, "I", "ignore error code")
	fs.IntVar(&cfg.Threads, "n", 1, "threads")
	fs.IntVar(&cfg.SampleBudget, "N", 0, "sample budget")
	fs.Var(&oRaw, "o", "SASL sub-options")
	fs.IntVar(&cfg.Port, "p", 389, "port")
	fs.IntVar(&cfg.MasterPort, "P", 0, "replication listener port")
	fs.BoolVar(&cfg.Quiet, "q", false, "quiet")
	fs.BoolVar(&cfg.SuperQuiet, "Q", false, "super quiet")
	fs.IntVar(&cfg.RandomLow, "r", 0, "random low")
	fs.IntVar(&cfg.RandomHigh, "R", 0, "random high")
	scopeStr := fs.String("s", "subtree", "search scope")
	fs.IntVar(&cfg.Timeout, "t", 30, "LDAP operation timeout seconds")
	fs.Var(&stringSliceFlag{&cfg.SlaveHosts, maxSlaveHosts}, "S", "slave host")
	fs.IntVar(&cfg.TotalOps, "T", 0, "total ops budget")
	fs.BoolVar(&cfg.Verbose, "v", false, "verbose")
	version := fs.Bool("V", false, "print version and exit")
	fs.StringVar(&cfg.Password, "w", "", "bind password")
	fs.IntVar(&cfg.WaitSeconds, "W", 0, "per-iteration wait seconds")
	fs.StringVar(&cfg.CertFile, "Z", "", "certificate file")
	help := fs.Bool("H", false, "help")

	if err := fs.Parse(args); err != nil {
		return nil, badParams("%s", err)
	}
	if *help {
		return nil, &ExitError{Code: ExitOK, Msg: "help"}
	}
	if *version {
		return nil, &ExitError{Code: ExitOK, Msg: "version"}
	}

	switch strings.ToLower(*scopeStr) {
	case "base":
		cfg.Scope = ScopeBase
	case "one":
		cfg.Scope = ScopeOne
	case "subtree":
		cfg.Scope = ScopeSubtree
	default:
		return nil, badParams("invalid -s scope %q", *scopeStr)
	}

	if cfg.Threads < 1 || cfg.Threads > 1000 {
		return nil, badParams("-n threads must be in [1, 1000], got %d", cfg.Threads)
	}
	if cfg.AsyncMax > 0 {
		cfg.AsyncMin = cfg.AsyncMax / 2
	}

	for _, spec := range eRaw {
		eSpecs = append(eSpecs, splitCommaTopLevel(spec)...)
	}
	eopts, err := parseEOptions(eSpecs)
	if err != nil {
		return nil, err
	}
	cfg.E = eopts

	for _, spec := range oRaw {
		oSpecs = append(oSpecs, splitCommaTopLevel(spec)...)
	}
	sasl, err := parseSASLOptions(oSpecs)
	if err != nil {
		return nil, err
	}
	cfg.SASL = sasl

	if cfg.E.RandomBase {
		if cfg.E.RandomBaseLow == 0 && cfg.E.RandomBaseHigh == 0 {
			return nil, badParams("randombase requires randombaselow=/randombasehigh=")
		}
	}

	return cfg, nil
}

type stringListFlag []string

func (f *stringListFlag) String() string { return "" }
func (f *stringListFlag) Set(s string) error {
	*f = append(*f, s)
	return nil
}

// splitCommaTopLevel splits a `-e`/`-o` sub-option group on commas,
// respecting that a `key=value` pattern value never itself contains a
// comma in this grammar (§6 lists no sub-option whose value is
// comma-bearing).
func splitCommaTopLevel(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSASLOptions(specs []string) (SASLOptions, error) {
	var o SASLOptions
	for _, spec := range specs {
		key, val, _ := strings.Cut(spec, "=")
		switch key {
		case "mech":
			o.Mech = val
		case "authid":
			o.AuthID = val
		case "authzid":
			o.AuthzID = val
		case "realm":
			o.Realm = val
		case "secProp":
			o.SecProps = val
		case "flags":
			switch val {
			case "automatic":
				o.Flags = SASLAutomatic
			case "interactive":
				o.Flags = SASLInteractive
			case "quiet":
				o.Flags = SASLQuiet
			default:
				return o, badParams("-o flags: unknown value %q", val)
			}
		default:
			return o, badParams("-o: unknown sub-option %q", key)
		}
	}
	return o, nil
}

func parseEOptions(specs []string) (EOptions, error) {
	var o EOptions
	for _, spec := range specs {
		key, val, hasVal := strings.Cut(spec, "=")
		switch key {
		case "esearch":
			o.ESearch = true
		case "bindeach":
			o.BindEach = true
		case "random":
			o.Random = true
		case "close":
			o.Close = true
		case "incr":
			o.Incr = true
		case "add":
			o.Add = true
		case "person":
			o.Person = true
		case "delete":
			o.Delete = true
		case "emailPerson":
			o.EmailPerson = true
		case "string":
			o.String = true
		case "randombase":
			o.RandomBase = true
		case "v2":
			o.V2 = true
		case "ascii":
			o.ASCII = true
		case "noloop":
			o.NoLoop = true
		case "rename":
			o.Rename = true
		case "inetOrgPerson":
			o.InetOrgPerson = true
		case "randombaselow":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.RandomBaseLow = n
		case "randombasehigh":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.RandomBaseHigh = n
		case "imagesdir":
			o.ImagesDir = val
		case "smoothshutdown":
			o.SmoothShutdown = true
		case "attreplace":
			name, pattern, _ := strings.Cut(val, ":")
			o.AttrReplaceName, o.AttrReplacePattern = name, pattern
		case "cltcertname":
			o.CltCertName = val
		case "keydbfile":
			o.KeyDBFile = val
		case "keydbpin":
			o.KeyDBPin = val
		case "counteach":
			o.CountEach = true
		case "withnewparent":
			o.WithNewParent = true
		case "noglobalstats":
			o.NoGlobalStats = true
		case "attrsonly":
			o.AttrsOnly = val == "1"
		case "randombinddn":
			o.RandomBindDN = true
		case "randombinddnlow":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.RandomBindDNLow = n
		case "randombinddnhigh":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.RandomBindDNHigh = n
		case "scalab01":
			o.Scalab01 = true
		case "scalab01_cnxduration":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.Scalab01CnxDuration = n
		case "scalab01_wait":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.Scalab01Wait = n
		case "scalab01_maxcnxnb":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.Scalab01MaxCnxNb = n
		case "referral":
			switch val {
			case "on":
				o.Referral = ReferralOn
			case "off":
				o.Referral = ReferralOff
			case "rebind":
				o.Referral = ReferralRebind
			default:
				return o, badParams("-e referral: unknown value %q", val)
			}
		case "commoncounter":
			o.CommonCounter = true
		case "dontsleeponserverdown":
			o.DontSleepOnServerDown = true
		case "attrlist":
			o.AttrList = strings.Split(val, ":")
		case "randomattrlist":
			o.RandomAttrList = strings.Split(val, ":")
		case "object":
			o.ObjectFile = val
		case "genldif":
			o.GenLDIFFile = val
		case "rdn":
			t, pattern, _ := strings.Cut(val, ":")
			o.RDNType, o.RDNPattern = t, pattern
		case "append":
			o.Append = true
		case "randombinddnfromfile":
			o.RandomBindDNFromFile = val
		case "bindonly":
			o.BindOnly = true
		case "randomauthid":
			o.RandomAuthID = true
		case "randomauthidhigh":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.RandomAuthIDHigh = n
		case "randomauthidlow":
			n, err := reqInt(key, val, hasVal)
			if err != nil {
				return o, err
			}
			o.RandomAuthIDLow = n
		default:
			return o, badParams("-e: unknown sub-option %q", key)
		}
	}
	return o, nil
}

func reqInt(key, val string, hasVal bool) (int, error) {
	if !hasVal {
		return 0, badParams("-e %s requires a value", key)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, badParams("-e %s: %s", key, err)
	}
	return n, nil
}
