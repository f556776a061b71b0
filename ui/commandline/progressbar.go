// Package commandline implements the terminal UI attachments for a training loop: a
// progress bar with a live metrics table.
package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/photonml/photon/train"
)

// ExtraMetricFn returns one extra name/value pair to display along the progress bar.
// It is called on every display update.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version; consider
// progressbar.ThemeUnicode where the graphical symbols are supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName under which the hooks register on the loop.
const ProgressBarName = "photon.ui.commandline.progressBar"

// maxUpdateFrequency is the time between updates of the terminal display.
const maxUpdateFrequency = 200 * time.Millisecond

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds one progress bar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	meanLoss         *train.Mean

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount   int
	step     string
	meanLoss string
}

// AttachProgressBar attaches a terminal progress bar to the loop: every run of the loop
// displays progression, the median step duration and the running mean loss.
//
// In a distributed run only global rank 0 displays; the other ranks attach nothing, so
// the call is safe on every rank.
//
// Optionally, extraMetrics functions are called on every update and their name/value
// included in the printed table.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	if !loop.Context.IsGlobalZero() {
		return
	}
	pBar := &progressBar{
		meanLoss:       train.NewMean("loss"),
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(loop)

	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// drawUpdates asynchronously renders enqueued updates: handy if the training is faster
// than the terminal, in particular on a slow remote connection.
func (pBar *progressBar) drawUpdates(loop *train.Loop) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the buffered updates, keeping only the latest.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", update.step)
		pBar.statsTable.Row("Median step duration", FormatDuration(loop.MedianTrainStepDuration()))
		pBar.statsTable.Row("Mean loss", update.meanLoss)
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			// 3 metric rows + 2 border lines + bar line + blank line.
			numLinesToBackup := 3 + len(pBar.extraMetricFns) + 2 + 2
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss *tensors.Tensor) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	if loss != nil {
		_ = pBar.meanLoss.Update(loss)
	}
	amount := loop.LoopStep - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	update := progressBarUpdate{
		amount:   amount,
		meanLoss: "n/a",
	}
	if loop.EndStep >= 0 {
		update.step = fmt.Sprintf("%s of %s",
			humanize.Comma(int64(loop.LoopStep)), humanize.Comma(int64(loop.EndStep)))
	} else {
		update.step = humanize.Comma(int64(loop.LoopStep))
	}
	if mean, err := pBar.meanLoss.Compute(); err == nil {
		update.meanLoss = fmt.Sprintf("%.5g", mean)
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.LoopStep
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
	return nil
}
