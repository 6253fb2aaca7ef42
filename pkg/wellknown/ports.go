package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"

	_ "embed"

	"portcon-analyzer/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

type ServiceEntry struct {
	Name     string
	Protocol model.Protocol
	Port     int
}

var (
	serviceRegistry map[string][]ServiceEntry
	portRegistry    map[portKey][]string
)

type portKey struct {
	protocol model.Protocol
	port     int
}

func init() {
	serviceRegistry = make(map[string][]ServiceEntry)
	portRegistry = make(map[portKey][]string)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}

		port, err := strconv.Atoi(record[0])
		if err != nil {
			continue
		}

		register(record[1], model.TCP, port)
		register(record[2], model.UDP, port)
	}
}

func register(name string, protocol model.Protocol, port int) {
	name = strings.TrimSpace(name)
	if name == "" || name == "N/A" {
		return
	}
	entry := ServiceEntry{Name: name, Protocol: protocol, Port: port}
	key := strings.ToUpper(name)
	serviceRegistry[key] = append(serviceRegistry[key], entry)
	// Add common alias for DNS
	if name == "domain" {
		serviceRegistry["DNS"] = append(serviceRegistry["DNS"], entry)
	}
	pk := portKey{protocol: protocol, port: port}
	portRegistry[pk] = append(portRegistry[pk], name)
}

// GetService returns the ports and protocols for a well-known service name.
func GetService(name string) ([]ServiceEntry, bool) {
	entry, ok := serviceRegistry[strings.ToUpper(name)]
	return entry, ok
}

// LookupPort returns the well-known service names bound to a port.
func LookupPort(protocol model.Protocol, port int) []string {
	return portRegistry[portKey{protocol: protocol, port: port}]
}

// LookupRange returns the sorted, distinct service names bound to any port
// in [low, high]. Ranges wider than 1024 ports are not labelled.
func LookupRange(protocol model.Protocol, low, high int) []string {
	if high < low || high-low > 1024 {
		return nil
	}
	seen := make(map[string]struct{})
	for p := low; p <= high; p++ {
		for _, name := range LookupPort(protocol, p) {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
