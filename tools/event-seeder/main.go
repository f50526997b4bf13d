// event-seeder indexes synthetic telemetry events into the triage event
// index so the pipeline can be exercised without a live collector. Events
// are written unclassified; a fraction of them follow suspicious templates
// so the reasoning model has something to flag.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"gopkg.in/yaml.v3"
)

var (
	osURL      = flag.String("url", "http://localhost:9200", "OpenSearch endpoint URL")
	osUser     = flag.String("user", "", "OpenSearch username")
	osPassword = flag.String("password", "", "OpenSearch password")
	insecure   = flag.Bool("insecure", false, "Skip TLS certificate verification")
	index      = flag.String("index", "talon-events", "Event index to write into")
	count      = flag.Int("count", 200, "Number of events to generate")
	hosts      = flag.Int("hosts", 8, "Number of distinct hosts to spread events across")
	timeSpread = flag.Duration("time-spread", time.Hour, "Spread event timestamps over this period ending now")
	ratio      = flag.Float64("suspicious-ratio", 0.2, "Fraction of events built from suspicious templates")
	batchSize  = flag.Int("batch-size", 50, "Events per bulk request")
	seed       = flag.Int64("seed", 0, "Random seed (0 picks one from the clock)")
	scenarios  = flag.String("scenarios", "", "YAML scenario file overriding the built-in suspicious templates")
)

type seededEvent struct {
	ID            string                 `json:"event_id"`
	HostID        string                 `json:"host_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          string                 `json:"event_type"`
	RawAttributes map[string]interface{} `json:"raw_attributes,omitempty"`
	SummaryText   string                 `json:"summary_text,omitempty"`
}

func main() {
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))
	gofakeit.Seed(*seed)

	if *scenarios != "" {
		loaded, err := loadScenarios(*scenarios)
		if err != nil {
			log.Fatalf("load scenarios: %v", err)
		}
		suspiciousTemplates = loaded
		log.Printf("Loaded %d scenario templates from %s", len(loaded), *scenarios)
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{*osURL},
		Username:  *osUser,
		Password:  *osPassword,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: *insecure},
		},
	})
	if err != nil {
		log.Fatalf("opensearch client: %v", err)
	}

	log.Printf("Seeding %d events into %s (%d hosts, %.0f%% suspicious, seed %d)",
		*count, *index, *hosts, *ratio*100, *seed)

	hostIDs := make([]string, *hosts)
	for i := range hostIDs {
		hostIDs[i] = fmt.Sprintf("host-%s", strings.ToLower(gofakeit.LetterN(6)))
	}

	now := time.Now().UTC()
	indexed := 0
	failed := 0

	batch := make([]seededEvent, 0, *batchSize)
	for i := 0; i < *count; i++ {
		host := hostIDs[rng.Intn(len(hostIDs))]
		ts := now.Add(-time.Duration(rng.Int63n(int64(*timeSpread))))
		batch = append(batch, generateEvent(rng, host, ts, rng.Float64() < *ratio))

		if len(batch) >= *batchSize || i == *count-1 {
			ok, err := sendBulk(client, *index, batch)
			if err != nil {
				log.Printf("bulk request failed: %v", err)
				failed += len(batch)
			} else {
				indexed += ok
				failed += len(batch) - ok
			}
			batch = batch[:0]
		}
	}

	log.Printf("Done: %d indexed, %d failed", indexed, failed)
}

func generateEvent(rng *rand.Rand, host string, ts time.Time, suspicious bool) seededEvent {
	ev := seededEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		HostID:    host,
		Timestamp: ts,
	}

	if suspicious {
		tmpl := suspiciousTemplates[rng.Intn(len(suspiciousTemplates))]
		ev.Type = tmpl.eventType
		ev.SummaryText, ev.RawAttributes = tmpl.build(rng)
		return ev
	}

	switch rng.Intn(4) {
	case 0:
		proc := gofakeit.RandomString([]string{"chrome.exe", "svchost.exe", "explorer.exe", "code.exe", "outlook.exe"})
		ev.Type = "process"
		ev.SummaryText = fmt.Sprintf("process %s started by %s", proc, gofakeit.Username())
		ev.RawAttributes = map[string]interface{}{
			"process_name": proc,
			"pid":          gofakeit.Number(1000, 65000),
			"user":         gofakeit.Username(),
		}
	case 1:
		dst := gofakeit.IPv4Address()
		ev.Type = "network"
		ev.SummaryText = fmt.Sprintf("outbound connection to %s:%d", dst, gofakeit.Number(80, 8443))
		ev.RawAttributes = map[string]interface{}{
			"dest_ip":   dst,
			"dest_port": gofakeit.Number(80, 8443),
			"protocol":  gofakeit.RandomString([]string{"tcp", "udp"}),
		}
	case 2:
		path := fmt.Sprintf("C:\\Users\\%s\\Documents\\%s.docx", gofakeit.Username(), gofakeit.Word())
		ev.Type = "file"
		ev.SummaryText = fmt.Sprintf("file written: %s", path)
		ev.RawAttributes = map[string]interface{}{"path": path, "operation": "write"}
	default:
		key := "HKCU\\Software\\Microsoft\\Windows\\CurrentVersion\\Explorer"
		ev.Type = "registry"
		ev.SummaryText = fmt.Sprintf("registry value set under %s", key)
		ev.RawAttributes = map[string]interface{}{"key": key, "operation": "set_value"}
	}
	return ev
}

type template struct {
	eventType string
	build     func(rng *rand.Rand) (string, map[string]interface{})
}

// scenarioSpec is one YAML-defined suspicious template. Summary and
// attribute values run through gofakeit.Generate, so they may carry
// placeholders like {username} or {ipv4address}.
type scenarioSpec struct {
	EventType  string            `yaml:"event_type"`
	Summary    string            `yaml:"summary"`
	Attributes map[string]string `yaml:"attributes"`
}

func loadScenarios(path string) ([]template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Scenarios []scenarioSpec `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Scenarios) == 0 {
		return nil, fmt.Errorf("%s defines no scenarios", path)
	}

	templates := make([]template, 0, len(doc.Scenarios))
	for i, spec := range doc.Scenarios {
		if spec.EventType == "" || spec.Summary == "" {
			return nil, fmt.Errorf("scenario %d in %s needs event_type and summary", i, path)
		}
		spec := spec
		templates = append(templates, template{
			eventType: spec.EventType,
			build: func(rng *rand.Rand) (string, map[string]interface{}) {
				attrs := make(map[string]interface{}, len(spec.Attributes))
				for k, v := range spec.Attributes {
					attrs[k] = gofakeit.Generate(v)
				}
				return gofakeit.Generate(spec.Summary), attrs
			},
		})
	}
	return templates, nil
}

var suspiciousTemplates = []template{
	{
		eventType: "process",
		build: func(rng *rand.Rand) (string, map[string]interface{}) {
			cmd := "powershell.exe -enc " + gofakeit.LetterN(48)
			return fmt.Sprintf("encoded powershell launched by %s", gofakeit.Username()),
				map[string]interface{}{
					"process_name": "powershell.exe",
					"command_line": cmd,
					"parent":       "winword.exe",
				}
		},
	},
	{
		eventType: "network",
		build: func(rng *rand.Rand) (string, map[string]interface{}) {
			dst := gofakeit.IPv4Address()
			return fmt.Sprintf("beacon-like traffic to %s:4444 at fixed interval", dst),
				map[string]interface{}{
					"dest_ip":     dst,
					"dest_port":   4444,
					"protocol":    "tcp",
					"byte_count":  gofakeit.Number(200, 900),
					"periodicity": "60s",
				}
		},
	},
	{
		eventType: "file",
		build: func(rng *rand.Rand) (string, map[string]interface{}) {
			path := fmt.Sprintf("C:\\Windows\\Temp\\%s.exe", gofakeit.LetterN(8))
			return fmt.Sprintf("executable dropped in temp directory: %s", path),
				map[string]interface{}{"path": path, "operation": "write", "signed": false}
		},
	},
	{
		eventType: "registry",
		build: func(rng *rand.Rand) (string, map[string]interface{}) {
			key := "HKLM\\Software\\Microsoft\\Windows\\CurrentVersion\\Run"
			val := gofakeit.LetterN(10)
			return fmt.Sprintf("persistence run key added: %s\\%s", key, val),
				map[string]interface{}{"key": key, "value_name": val, "operation": "set_value"}
		},
	},
}

func sendBulk(client *opensearch.Client, index string, events []seededEvent) (int, error) {
	var buf bytes.Buffer
	for _, ev := range events {
		meta := map[string]map[string]string{"index": {"_index": index, "_id": ev.ID}}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return 0, err
		}
		if err := json.NewEncoder(&buf).Encode(ev); err != nil {
			return 0, err
		}
	}

	req := opensearchapi.BulkRequest{
		Body:    bytes.NewReader(buf.Bytes()),
		Refresh: "true",
	}
	res, err := req.Do(context.Background(), client)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, fmt.Errorf("bulk indexing returned status %s", res.Status())
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode bulk response: %w", err)
	}

	ok := 0
	for _, item := range parsed.Items {
		for _, op := range item {
			if op.Status < 300 {
				ok++
			}
		}
	}
	return ok, nil
}
