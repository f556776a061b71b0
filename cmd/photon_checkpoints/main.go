// photon_checkpoints inspects a checkpoint file written by the photon checkpoint IO:
// it reports a summary, the hyperparameters, the model tensors and the optimizer
// states.
//
// Usage:
//
//	photon_checkpoints -summary -vars <checkpoint-file>
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/photonml/photon/checkpoint"
	"github.com/photonml/photon/pkg/support/fsutil"
)

var (
	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoint: "+
		"version, epoch, global step and model size.")
	flagParams = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars   = flag.Bool("vars", false, "Lists the model tensors.")
	flagOptim  = flag.Bool("optim", false, "Lists the optimizer and scheduler states.")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint file to read from. See 'photon_checkpoints -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'photon_checkpoints -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagParams && !*flagVars && !*flagOptim {
		*flagSummary = true
	}
	if !fsutil.MustFileExists(args[0]) {
		klog.Errorf("Checkpoint file %q does not exist.", args[0])
		os.Exit(1)
	}
	report(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(checkpointPath string) {
	state := must.M1(checkpoint.NewFileIO().Load(checkpointPath))

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("checkpoint", checkpointPath)
		table.Row("version", state.Version)
		table.Row("epoch", humanize.Comma(int64(state.Epoch)))
		table.Row("global_step", humanize.Comma(state.GlobalStep))

		var totalSize, totalMemory int64
		for _, t := range state.ModelState {
			totalSize += int64(t.Shape().Size())
			totalMemory += int64(t.Shape().Memory())
		}
		table.Row("# tensors", humanize.Comma(int64(len(state.ModelState))))
		table.Row("# parameters", humanize.Comma(totalSize))
		table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
		table.Row("# optimizer states", humanize.Comma(int64(len(state.OptimizerStates))))
		fmt.Println(table.Render())
	}

	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		table := newPlainTable(true)
		table.Row("Name", "Type", "Value")
		for _, name := range sortedKeys(state.Hyperparameters) {
			value := state.Hyperparameters[name]
			table.Row(name, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
		}
		fmt.Println(table.Render())
	}

	if *flagVars {
		fmt.Println(titleStyle.Render("Model Tensors"))
		table := newPlainTable(true)
		table.Row("Name", "Shape", "Size", "Bytes")
		for _, name := range sortedKeys(state.ModelState) {
			shape := state.ModelState[name].Shape()
			table.Row(name, shape.String(),
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())))
		}
		fmt.Println(table.Render())
	}

	if *flagOptim {
		reportOptimizerStates(state)
	}
}

func reportOptimizerStates(state *checkpoint.State) {
	fmt.Println(titleStyle.Render("Optimizer States"))
	for i, optState := range state.OptimizerStates {
		table := newPlainTable(true)
		table.Row("Name", "Shape", "Bytes")
		for _, name := range sortedKeys(optState) {
			shape := optState[name].Shape()
			table.Row(name, shape.String(), humanize.Bytes(uint64(shape.Memory())))
		}
		fmt.Printf("optimizer %d:\n%s\n", i, table.Render())
	}
	if len(state.SchedulerStates) > 0 {
		fmt.Println(titleStyle.Render("Scheduler States"))
		for i, schedState := range state.SchedulerStates {
			table := newPlainTable(true)
			table.Row("Name", "Value")
			for _, name := range sortedKeys(schedState) {
				table.Row(name, fmt.Sprintf("%g", schedState[name]))
			}
			fmt.Printf("scheduler %d:\n%s\n", i, table.Render())
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, strings.Compare)
	return keys
}
