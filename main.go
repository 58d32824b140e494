package main

import (
	"flag"
	"os"
	"strconv"

	"grimm.is/paramstrip/cmd"
	"grimm.is/paramstrip/internal/brand"
	"grimm.is/paramstrip/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

var defaultConfig = brand.GetConfigPath()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "add":
		fs, configFile := newFlagSet("add")
		args := ruleFlags(fs)
		fs.Parse(os.Args[2:])
		args.Parameter = requireArg(fs, 0, "add <param>")
		exitOn(cmd.RunAdd(*configFile, args.build(fs)))

	case "edit":
		fs, configFile := newFlagSet("edit")
		args := ruleFlags(fs)
		fs.Parse(os.Args[2:])
		id := requireID(fs, "edit <id> <param>")
		args.Parameter = requireArg(fs, 1, "edit <id> <param>")
		exitOn(cmd.RunEdit(*configFile, id, args.build(fs)))

	case "delete", "rm":
		fs, configFile := newFlagSet("delete")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunDelete(*configFile, requireID(fs, "delete <id>")))

	case "enable", "disable":
		fs, configFile := newFlagSet(os.Args[1])
		fs.Parse(os.Args[2:])
		id := requireID(fs, os.Args[1]+" <id>")
		exitOn(cmd.RunToggle(*configFile, id, os.Args[1] == "enable"))

	case "move", "mv":
		fs, configFile := newFlagSet("move")
		fs.Parse(os.Args[2:])
		id := requireID(fs, "move <id> <group>")
		exitOn(cmd.RunMove(*configFile, id, requireArg(fs, 1, "move <id> <group>")))

	case "list", "ls":
		fs, configFile := newFlagSet("list")
		group := fs.String("g", "", "Only rules of this group")
		asJSON := fs.Bool("json", false, "Print JSON")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunList(*configFile, *group, *asJSON))

	case "groups":
		fs, configFile := newFlagSet("groups")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunGroups(*configFile))

	case "whitelist":
		if len(os.Args) < 3 {
			printer.Fprintf(os.Stderr, "Usage: %s whitelist add <domain> | list\n", brand.BinaryName)
			os.Exit(1)
		}
		fs, configFile := newFlagSet("whitelist " + os.Args[2])
		asJSON := fs.Bool("json", false, "Print JSON")
		fs.Parse(os.Args[3:])
		switch os.Args[2] {
		case "add":
			exitOn(cmd.RunWhitelistAdd(*configFile, requireArg(fs, 0, "whitelist add <domain>")))
		case "list", "ls":
			exitOn(cmd.RunWhitelistList(*configFile, *asJSON))
		default:
			printer.Fprintf(os.Stderr, "Unknown whitelist command: %s\n", os.Args[2])
			os.Exit(1)
		}

	case "install":
		fs, configFile := newFlagSet("install")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunInstall(*configFile))

	case "upgrade":
		fs, configFile := newFlagSet("upgrade")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunUpgrade(*configFile))

	case "check":
		fs, configFile := newFlagSet("check")
		fix := fs.Bool("fix", false, "Repair the engine from the persisted rules")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunCheck(*configFile, *fix))

	case "history":
		fs, configFile := newFlagSet("history")
		since := fs.Uint64("since", 0, "Only writes newer than this version")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunHistory(*configFile, *since))

	case "clean":
		fs, configFile := newFlagSet("clean")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunClean(*configFile, requireArg(fs, 0, "clean <url>")))

	case "params":
		fs, configFile := newFlagSet("params")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunParams(*configFile, requireArg(fs, 0, "params <url>")))

	case "serve":
		fs, configFile := newFlagSet("serve")
		listen := fs.String("listen", "", "Listen address (overrides api.listen)")
		fs.Parse(os.Args[2:])
		exitOn(cmd.RunServe(*configFile, *listen))

	case "version", "-v", "--version":
		cmd.RunVersion()

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configFile := fs.String("config", defaultConfig, "Configuration file")
	fs.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")
	return fs, configFile
}

type ruleFlagValues struct {
	cmd.RuleArgs
	group *string
}

func ruleFlags(fs *flag.FlagSet) *ruleFlagValues {
	v := &ruleFlagValues{}
	v.group = fs.String("g", "", "Group")
	fs.StringVar(&v.FilterType, "t", "", "Domain filter type: blacklist or whitelist")
	fs.StringVar(&v.Domains, "d", "", "Comma separated domains for the filter")
	return v
}

// build returns the rule args, leaving the group unset unless -g was given.
func (v *ruleFlagValues) build(fs *flag.FlagSet) cmd.RuleArgs {
	args := v.RuleArgs
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "g" {
			args.Group = v.group
		}
	})
	return args
}

func requireArg(fs *flag.FlagSet, i int, usage string) string {
	if fs.NArg() <= i {
		printer.Fprintf(os.Stderr, "Usage: %s %s\n", brand.BinaryName, usage)
		os.Exit(1)
	}
	return fs.Arg(i)
}

func requireID(fs *flag.FlagSet, usage string) int {
	id, err := strconv.Atoi(requireArg(fs, 0, usage))
	if err != nil || id < 1 {
		printer.Fprintf(os.Stderr, "Invalid rule id: %s\n", fs.Arg(0))
		os.Exit(1)
	}
	return id
}

func exitOn(err error) {
	if err == nil {
		return
	}
	printer.Fprintf(os.Stderr, "Error: %s\n", cmd.DescribeError(err))
	os.Exit(1)
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Rule Commands:
  add <param>         Create a rule
                      Options: -g <group>, -t blacklist|whitelist, -d <domains>
  edit <id> <param>   Replace a rule (same options as add)
  delete <id>         Delete a rule
  enable <id>         Enable a rule
  disable <id>        Disable a rule
  move <id> <group>   Move a rule to another group
  list                List rules
                      Options: -g <group>, -json
  groups              List groups
  whitelist add <domain>
  whitelist list      Manage the global whitelist

Maintenance Commands:
  install             Clear everything and install the default rules
  upgrade             Add default rules that are missing
  check               Compare the engine with the persisted rules
                      Options: -fix
  history             Show past writes of the rule list
                      Options: -since <version>
  clean <url>         Apply the active rules to a URL
  params <url>        List a URL's query parameters
  serve               Run the HTTP API
                      Options: -listen <addr>
  version             Print the version

Every command accepts -config (-c) <file> (default %s).
`,
		brand.Name, brand.Description, brand.BinaryName, defaultConfig)
}
