package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Layer is a component of sohook that can be selected with --log-output.
type Layer string

const (
	// LayerTracee logs ptrace requests and stops of the program.
	LayerTracee Layer = "tracee"
	// LayerDispatch logs every trap handled by the dispatch engine.
	LayerDispatch Layer = "dispatch"
	// LayerHookdata logs loading and resolution of hook declarations.
	LayerHookdata Layer = "hookdata"
	// LayerVamap logs address translation tables.
	LayerVamap Layer = "vamap"
	// LayerSession logs session startup and teardown.
	LayerSession Layer = "session"
)

// Layers lists every layer in the order they are documented.
var Layers = []Layer{LayerTracee, LayerDispatch, LayerHookdata, LayerVamap, LayerSession}

var enabled = map[Layer]bool{}

var logOut io.WriteCloser

var formatter = &layerFormatter{logrus.TextFormatter{
	FullTimestamp:   true,
	TimestampFormat: "2006-01-02T15:04:05.000",
}}

func makeLogger(level logrus.Level, layer Layer) Logger {
	logger := logrus.New()
	logger.Formatter = formatter
	if logOut != nil {
		logger.Out = logOut
	}
	logger.Level = level
	return &logrusLogger{logger.WithField(layerKey, layer)}
}

// LayerLogger returns a logger for layer. Only errors are logged unless
// the layer was selected.
func LayerLogger(layer Layer) Logger {
	if enabled[layer] {
		return makeLogger(logrus.DebugLevel, layer)
	}
	return makeLogger(logrus.ErrorLevel, layer)
}

// Enabled returns true if debug output of layer was requested.
func Enabled(layer Layer) bool {
	return enabled[layer]
}

// TraceeLogger returns a logger for the ptrace backend.
func TraceeLogger() Logger { return LayerLogger(LayerTracee) }

// DispatchLogger returns a logger for the dispatch engine.
func DispatchLogger() Logger { return LayerLogger(LayerDispatch) }

// HookdataLogger returns a logger for the hook declaration resolver.
func HookdataLogger() Logger { return LayerLogger(LayerHookdata) }

// VamapLogger returns a logger for the address translator.
func VamapLogger() Logger { return LayerLogger(LayerVamap) }

// SessionLogger returns a logger for the instrumentation session.
func SessionLogger() Logger { return LayerLogger(LayerSession) }

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

func parseLayers(logstr string) (map[Layer]bool, error) {
	r := map[Layer]bool{}
	for _, name := range strings.Split(logstr, ",") {
		name = strings.TrimSpace(name)
		found := false
		for _, layer := range Layers {
			if string(layer) == name {
				r[layer], found = true, true
				break
			}
		}
		if !found {
			valid := make([]string, len(Layers))
			for i := range Layers {
				valid[i] = string(Layers[i])
			}
			return nil, fmt.Errorf("unknown log layer %q, expected one of %s", name, strings.Join(valid, ", "))
		}
	}
	return r, nil
}

// Setup sets the logging flags based on the contents of logstr, the
// dispatch layer is selected when it is empty.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
	} else {
		if logstr == "" {
			logstr = string(LayerDispatch)
		}
		layers, err := parseLayers(logstr)
		if err != nil {
			return err
		}
		enabled = layers
	}

	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "sohook-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		logOut = nopCloser{colorable.NewColorableStderr()}
		formatter.ForceColors = true
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
