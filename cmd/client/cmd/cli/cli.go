// Package cli общие для команд клиента хелперы: доступ к приложению и вывод.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"possync/internal/app/client"

	"github.com/fatih/color"
	"golang.org/x/term"
)

type appKey struct{}

func WithApp(ctx context.Context, app *client.App) context.Context {
	return context.WithValue(ctx, appKey{}, app)
}

// App приложение, созданное в PersistentPreRunE корневой команды
func App(ctx context.Context) (*client.App, error) {
	app, ok := ctx.Value(appKey{}).(*client.App)
	if !ok || app == nil {
		return nil, errors.New("application is not initialized")
	}
	return app, nil
}

// Printer печатает результат в цвете на терминале или JSON при --json
type Printer struct {
	out  io.Writer
	json bool

	OK    func(format string, a ...any) string
	Warn  func(format string, a ...any) string
	Fail  func(format string, a ...any) string
	Title func(format string, a ...any) string
}

func NewPrinter(out io.Writer, asJSON bool) *Printer {
	if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		color.NoColor = true
	}
	return &Printer{
		out:   out,
		json:  asJSON,
		OK:    color.New(color.FgGreen).SprintfFunc(),
		Warn:  color.New(color.FgYellow).SprintfFunc(),
		Fail:  color.New(color.FgRed).SprintfFunc(),
		Title: color.New(color.Bold).SprintfFunc(),
	}
}

func (p *Printer) JSON() bool {
	return p.json
}

func (p *Printer) Printf(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

func (p *Printer) Print(a ...any) {
	fmt.Fprint(p.out, a...)
}

func (p *Printer) Println(a ...any) {
	fmt.Fprintln(p.out, a...)
}

// Emit печатает v как JSON
func (p *Printer) Emit(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var printer = NewPrinter(os.Stdout, false)

// SetOutput задается корневой командой после разбора флагов
func SetOutput(p *Printer) {
	printer = p
}

func Out() *Printer {
	return printer
}

// ParseData собирает payload из --data и --set key=value. Значения --set
// разбираются как JSON, а если не получилось, берутся строкой.
func ParseData(raw string, fields []string) (map[string]any, error) {
	data := map[string]any{}
	if raw != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set expects key=value, got %q", f)
		}
		var v any
		dec := json.NewDecoder(strings.NewReader(value))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil || dec.More() {
			v = value
		}
		data[key] = v
	}
	return data, nil
}
