package cli

import (
	"fmt"
)

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "discover":
		return runDiscover(args[1:])
	case "translate":
		return runTranslate(args[1:])
	case "single":
		return runSingle(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "status":
		return runStatus(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("c2rust-agent")
	fmt.Println("")
	fmt.Println("Batch C-to-Rust translation with bounded concurrency and per-unit retries.")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  c2rust-agent <command> [flags]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  discover   List the units a batch would process")
	fmt.Println("  translate  Run the pipeline over every unit of a work tree")
	fmt.Println("  single     Run the pipeline over one directory")
	fmt.Println("  doctor     Check tools, work tree, and state directory")
	fmt.Println("  status     Show recorded runs or one run's failed units")
	fmt.Println("  help       Show this help")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  c2rust-agent discover --root ./translate_chibicc/src")
	fmt.Println("  c2rust-agent translate --root ./translate_chibicc/src --concurrency 4")
	fmt.Println("  c2rust-agent translate --root ./translate_chibicc/src --rerun-failed")
	fmt.Println("  c2rust-agent single ./translate_chibicc/src/individual_files/tokenize")
	fmt.Println("  c2rust-agent status --root ./translate_chibicc/src")
	fmt.Println("")
	fmt.Println("Configuration is read from config/config.toml (or --config); flags override it.")
}
