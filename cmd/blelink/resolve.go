package main

import (
	"fmt"
	"strings"

	"github.com/srg/blelink/internal/device"
)

// target is a resolved characteristic.
type target struct {
	ref   device.AttributeRef
	props device.Properties
}

// parseCSVUUIDs splits a comma-separated list, dropping blanks.
//
//	"2a37, 2a38" -> []string{"2a37", "2a38"}
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}

// resolveTargets maps user-supplied characteristic ids onto discovered services.
//
// Resolution cases:
//  1. chars + service: every char must exist in that service
//  2. chars only: each char is searched across all services and must be unique
//  3. service only: every characteristic of the service that passes keep
//  4. neither: error
func resolveTargets(services []device.Service, charsCSV, serviceID string, keep func(device.Properties) bool) ([]target, error) {
	chars := parseCSVUUIDs(charsCSV)

	var svc *device.Service
	if serviceID != "" {
		id, err := device.Canonicalize(serviceID)
		if err != nil {
			return nil, err
		}
		for i := range services {
			if services[i].UUID == id {
				svc = &services[i]
				break
			}
		}
		if svc == nil {
			return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{id}}
		}
	}

	if len(chars) == 0 {
		if svc == nil {
			return nil, &device.MissingParameterError{Param: "characteristic"}
		}
		var out []target
		for _, c := range svc.Characteristics {
			if keep == nil || keep(c.Properties) {
				out = append(out, target{ref: device.AttributeRef{Service: svc.UUID, Characteristic: c.UUID}, props: c.Properties})
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("no matching characteristics in service %s: %w", svc.UUID, device.ErrAttributeNotFound)
		}
		return out, nil
	}

	out := make([]target, 0, len(chars))
	for _, raw := range chars {
		id, err := device.Canonicalize(raw)
		if err != nil {
			return nil, err
		}
		t, err := findTarget(services, svc, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func findTarget(services []device.Service, within *device.Service, charID string) (target, error) {
	if within != nil {
		c, ok := within.Characteristic(charID)
		if !ok {
			return target{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{within.UUID, charID}}
		}
		return target{ref: device.AttributeRef{Service: within.UUID, Characteristic: c.UUID}, props: c.Properties}, nil
	}

	var found []target
	for _, s := range services {
		if c, ok := s.Characteristic(charID); ok {
			found = append(found, target{ref: device.AttributeRef{Service: s.UUID, Characteristic: c.UUID}, props: c.Properties})
		}
	}
	switch len(found) {
	case 0:
		return target{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{charID}}
	case 1:
		return found[0], nil
	default:
		return target{}, fmt.Errorf("characteristic %s found in %d services, specify --service", device.ShortenUUID(charID), len(found))
	}
}
