package calibration

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/fatih/color"
)

// RunSessionInCLI drives a session interactively: render each step, prompt
// for fields by type, advance, and loop until the session leaves in_progress.
// Validation failures reprompt.
func RunSessionInCLI(ctx context.Context, e *Engine, protocolName, device string, exec Executor, in io.Reader, out io.Writer) (*Session, error) {
	reader := bufio.NewReader(in)
	sess, step, err := e.Start(ctx, protocolName, device, ModeCLI, exec)
	if err != nil {
		return nil, err
	}
	for sess.Status == StatusInProgress {
		printStep(out, step)
		inputs, err := promptFields(reader, out, step.Fields)
		if err != nil {
			return sess, err
		}
		next, nextStep, err := e.Advance(ctx, sess.ID, inputs, ModeCLI, exec)
		if err != nil {
			if IsValidation(err) {
				color.New(color.FgRed).Fprintf(out, "  %v\n", err)
				continue
			}
			return sess, err
		}
		sess, step = next, nextStep
	}
	if sess.Status == StatusComplete && sess.Result != nil {
		color.New(color.FgGreen).Fprintf(out, "Saved calibration %s/%s\n", sess.Result.Device, sess.Result.Name)
		PrintCurveChart(out, sess.Result)
	}
	return sess, nil
}

func printStep(out io.Writer, step Step) {
	fmt.Fprintln(out)
	color.New(color.Bold).Fprintln(out, step.Title)
	if step.Body != "" {
		fmt.Fprintln(out, step.Body)
	}
}

func promptFields(reader *bufio.Reader, out io.Writer, fields []Field) (map[string]any, error) {
	inputs := make(map[string]any)
	if len(fields) == 0 {
		fmt.Fprint(out, "Press enter to continue... ")
		if _, err := reader.ReadString('\n'); err != nil && err != io.EOF {
			return nil, err
		}
		return inputs, nil
	}
	for _, f := range fields {
		label := f.Label
		if label == "" {
			label = f.Name
		}
		if len(f.Choices) > 0 {
			label += " (" + strings.Join(f.Choices, "/") + ")"
		}
		if f.Default != "" {
			label += " [" + f.Default + "]"
		}
		fmt.Fprintf(out, "%s: ", label)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			line = f.Default
		}
		if line != "" {
			inputs[f.Name] = line
		}
	}
	return inputs, nil
}

// PrintCurveChart renders the recorded points and fitted curve as a small
// ASCII scatter.
func PrintCurveChart(out io.Writer, cal *Calibration) {
	const width, height = 60, 16
	xs, ys := cal.Recorded.X, cal.Recorded.Y
	if len(xs) == 0 {
		return
	}
	minX, maxX := minMax(xs)
	minY, maxY := minMax(ys)
	if maxX == minX {
		maxX = minX + 1
	}
	if maxY == minY {
		maxY = minY + 1
	}
	grid := make([][]byte, height)
	for r := range grid {
		grid[r] = []byte(strings.Repeat(" ", width))
	}
	plot := func(x, y float64, ch byte) {
		c := int((x - minX) / (maxX - minX) * float64(width-1))
		r := height - 1 - int((y-minY)/(maxY-minY)*float64(height-1))
		if c >= 0 && c < width && r >= 0 && r < height {
			grid[r][c] = ch
		}
	}
	for i := 0; i < width; i++ {
		x := minX + (maxX-minX)*float64(i)/float64(width-1)
		if y, err := cal.XToY(x); err == nil && !math.IsNaN(y) {
			plot(x, y, '.')
		}
	}
	for i := range xs {
		plot(xs[i], ys[i], 'x')
	}
	fmt.Fprintf(out, "%8.3f\n", maxY)
	for _, row := range grid {
		fmt.Fprintf(out, "        |%s\n", string(row))
	}
	fmt.Fprintf(out, "%8.3f +%s\n", minY, strings.Repeat("-", width))
	fmt.Fprintf(out, "         %-10.3f%*s\n", minX, width-10, fmt.Sprintf("%.3f", maxX))
}

func minMax(v []float64) (lo, hi float64) {
	lo, hi = v[0], v[0]
	for _, x := range v {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
