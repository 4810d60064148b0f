/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// ParseLevel maps a level name to a logrus level. Unknown names are Info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return logrus.TraceLevel
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	case "FATAL":
		return logrus.FatalLevel
	case "PANIC":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// New returns a logger writing to out. A terminal gets coloured text and
// anything else gets JSON, one entry per line.
func New(level string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(ParseLevel(level))

	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: false,
			ForceColors:   true,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return log
}

// FromEnv builds the logger for a command: LOG_LEVEL overrides level when
// set.
func FromEnv(level string) *logrus.Logger {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	return New(level, os.Stderr)
}
