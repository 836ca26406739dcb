package logger

import (
	"os"
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
)

var (
	Log       *logrus.Logger
	NfLog     *logrus.Entry
	MainLog   *logrus.Entry
	InitLog   *logrus.Entry
	CfgLog    *logrus.Entry
	CtrlLog   *logrus.Entry
	EngineLog *logrus.Entry
	CacheLog  *logrus.Entry
	FwderLog  *logrus.Entry
)

const (
	FieldNF       string = "NF"
	FieldCategory string = "CAT"
	FieldDatapath string = "datapath"
	FieldAddr     string = "addr"
)

func init() {
	fieldsOrder := []string{
		FieldNF,
		FieldCategory,
		FieldDatapath,
		FieldAddr,
	}

	Log = &logrus.Logger{
		Out: os.Stderr,
		Formatter: &formatter.Formatter{
			TimestampFormat: time.RFC3339Nano,
			TrimMessages:    true,
			NoFieldsSpace:   true,
			HideKeys:        true,
			FieldsOrder:     fieldsOrder,
		},
		Hooks:        make(logrus.LevelHooks),
		Level:        logrus.InfoLevel,
		ReportCaller: false,
	}

	NfLog = Log.WithField(FieldNF, "SS2")
	MainLog = NfLog.WithField(FieldCategory, "Main")
	InitLog = NfLog.WithField(FieldCategory, "Init")
	CfgLog = NfLog.WithField(FieldCategory, "CFG")
	CtrlLog = NfLog.WithField(FieldCategory, "Ctrl")
	EngineLog = NfLog.WithField(FieldCategory, "Engine")
	CacheLog = NfLog.WithField(FieldCategory, "Cache")
	FwderLog = NfLog.WithField(FieldCategory, "Fwder")
}

// SetLogLevel applies a logrus level name, keeping the current level on error.
func SetLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		MainLog.Warnf("Log level [%s] is invalid", level)
		return
	}
	MainLog.Infof("Log level is set to [%s]", level)
	Log.SetLevel(lvl)
}

func SetReportCaller(enable bool) {
	MainLog.Infof("Report Caller is set to [%v]", enable)
	Log.SetReportCaller(enable)
}
