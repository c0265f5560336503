package storage

import (
	"fmt"
	"strings"
)

// InvoiceObjectPath returns the archive key for an order's invoice:
// orders/<orderID>/invoices/<fileName>. An empty fileName defaults to "<orderID>.pdf".
func InvoiceObjectPath(orderID, fileName string) (string, error) {
	id, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(fileName) == "" {
		fileName = id + ".pdf"
	}
	name, err := validateSegment("fileName", fileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("orders/%s/invoices/%s", id, name), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
