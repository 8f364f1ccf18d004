package obs

import (
	"encoding/json"
	"log"
	"os"
)

// Every component writes JSON lines to stdout through one logger; the
// platform's log shipper picks them up from there. No prefix and no flags:
// each line carries its own timestamp field.
var jsonLog = log.New(os.Stdout, "", 0)

// Logger exposes the shared logger so callers (and tests) can redirect it.
func Logger() *log.Logger {
	return jsonLog
}

// LogRequest writes one request-scoped entry as a JSON line.
func LogRequest(entry map[string]any) {
	line, err := json.Marshal(entry)
	if err != nil {
		jsonLog.Printf(`{"level":"error","msg":"log entry not serializable","error":%q}`, err)
		return
	}
	jsonLog.Println(string(line))
}
