package metadata

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/operator-framework/wssync/pkg/identity"
)

// Parse decodes the XML fragment returned by getUpdateData/getExtendedUpdateInfo
// for a single update into its typed Package variant. Parse never attempts
// to interpret unknown elements silently: an unrecognized Prerequisites
// child or HandlerSpecificData xsi:type is a fatal *ParseError /
// *UnknownHandlerType.
func Parse(raw []byte) (Package, error) {
	var wire xmlUpdate
	if err := xml.Unmarshal(raw, &wire); err != nil {
		return nil, &ParseError{XPath: "/Update", Reason: err.Error()}
	}

	id, err := parseUpdateIdentity(wire.UpdateIdentity, "/Update/UpdateIdentity")
	if err != nil {
		return nil, err
	}

	common := Common{
		ID:           id,
		Title:        strings.TrimSpace(wire.Properties.Title),
		Description:  strings.TrimSpace(wire.Properties.Description),
		CreationDate: parseTimestamp(wire.Properties.CreationDate),
		Raw:          raw,
	}

	if wire.Prerequisites != nil {
		prereqs, err := parsePrerequisites(wire.Prerequisites.InnerXML)
		if err != nil {
			return nil, err
		}
		common.Prerequisites = prereqs
	}

	if wire.Files.File != nil {
		files, err := parseFiles(wire.Files.File)
		if err != nil {
			return nil, err
		}
		common.Files = files
	}

	if wire.ApplicabilityRules != nil {
		common.ApplicabilityRules = parseApplicabilityRules(wire.ApplicabilityRules.InnerXML)
	}

	var handler *Handler
	if wire.HandlerSpecificData != nil {
		handler, err = parseHandler(*wire.HandlerSpecificData)
		if err != nil {
			return nil, err
		}
		common.Handler = handler
	}

	switch {
	case len(wire.DriverMetaData) > 0:
		drivers, err := parseDrivers(wire.DriverMetaData)
		if err != nil {
			return nil, err
		}
		return &DriverUpdate{Common: common, Drivers: drivers}, nil

	case handler != nil && handler.Type == HandlerCategory:
		categoryType, err := categoryType(*wire.HandlerSpecificData)
		if err != nil {
			return nil, err
		}
		switch categoryType {
		case "Product":
			return &ProductCategory{Common: common}, nil
		case "UpdateClassification":
			return &ClassificationCategory{Common: common}, nil
		case "Detectoid":
			return &DetectoidCategory{Common: common}, nil
		default:
			return nil, &ParseError{
				XPath:  "/Update/HandlerSpecificData/CategoryInformation/@CategoryType",
				Reason: fmt.Sprintf("unrecognized category type %q", categoryType),
			}
		}

	default:
		bundled, err := parseUpdateIdentityList(wire.Relationships.BundledUpdates.UpdateIdentity, "/Update/Relationships/BundledUpdates")
		if err != nil {
			return nil, err
		}
		superseded, err := parseUpdateIdentityList(wire.SupersededUpdates.UpdateIdentity, "/Update/SupersededUpdates")
		if err != nil {
			return nil, err
		}
		return &SoftwareUpdate{
			Common:            common,
			KBArticle:         wire.Properties.KBArticleID,
			SupportURL:        wire.Properties.SupportURL,
			IsOSUpgrade:       wire.Properties.IsOSUpgrade,
			SupersededUpdates: superseded,
			BundledUpdates:    bundled,
		}, nil
	}
}

// --- wire shapes -----------------------------------------------------------

type xmlUpdate struct {
	XMLName              xml.Name          `xml:"Update"`
	UpdateIdentity       xmlUpdateIdentity `xml:"UpdateIdentity"`
	Properties           xmlProperties     `xml:"Properties"`
	Prerequisites        *xmlRawElement    `xml:"Prerequisites"`
	HandlerSpecificData  *xmlRawElement    `xml:"HandlerSpecificData"`
	ApplicabilityRules   *xmlRawElement    `xml:"ApplicabilityRules"`
	DriverMetaData       []xmlDriverMeta   `xml:"DriverMetaData"`
	Relationships        struct {
		BundledUpdates struct {
			UpdateIdentity []xmlUpdateIdentity `xml:"UpdateIdentity"`
		} `xml:"BundledUpdates"`
	} `xml:"Relationships"`
	SupersededUpdates struct {
		UpdateIdentity []xmlUpdateIdentity `xml:"UpdateIdentity"`
	} `xml:"SupersededUpdates"`
	Files struct {
		File []xmlFile `xml:"File"`
	} `xml:"Files"`
}

type xmlUpdateIdentity struct {
	UpdateID       string `xml:"UpdateID,attr"`
	RevisionNumber int64  `xml:"RevisionNumber,attr"`
}

type xmlProperties struct {
	Title        string `xml:"Title"`
	Description  string `xml:"Description"`
	CreationDate string `xml:"CreationDate,attr"`
	KBArticleID  string `xml:"KBArticleID,attr"`
	SupportURL   string `xml:"SupportUrl,attr"`
	IsOSUpgrade  bool   `xml:"IsOSUpgrade,attr"`
}

// xmlRawElement captures an element's attributes and inner XML verbatim,
// for sub-trees wssync indexes but does not fully interpret
// (Prerequisites, ApplicabilityRules) or must dispatch dynamically
// (HandlerSpecificData).
type xmlRawElement struct {
	Attrs    []xml.Attr `xml:",any,attr"`
	InnerXML []byte     `xml:",innerxml"`
}

type xmlFile struct {
	FileName     string          `xml:"FileName,attr"`
	Size         int64           `xml:"Size,attr"`
	PatchingType string          `xml:"PatchingType,attr"`
	Digests      []xmlFileDigest `xml:"FileDigest"`
	URLs         []xmlFileURL    `xml:"Urls>Url"`
}

type xmlFileDigest struct {
	Algorithm string `xml:"Algorithm,attr"`
	Value     string `xml:",chardata"`
}

type xmlFileURL struct {
	MUURL  string `xml:"MUUrl,attr"`
	USSURL string `xml:"UssUrl,attr"`
}

type xmlDriverMeta struct {
	HardwareID                       string             `xml:"HardwareID"`
	Version                          string             `xml:"Version"`
	Date                             string             `xml:"Date"`
	TargetComputerHardwareIDs        []string           `xml:"TargetComputerHardwareID"`
	DistributionComputerHardwareIDs  []string           `xml:"DistributionComputerHardwareID"`
	FeatureScores                    []xmlFeatureScore  `xml:"FeatureScore"`
}

type xmlFeatureScore struct {
	OSVersion string `xml:"OSVersion,attr"`
	Value     int    `xml:"Value,attr"`
}

// --- conversion helpers ------------------------------------------------

func parseUpdateIdentity(w xmlUpdateIdentity, xpath string) (identity.ID, error) {
	if w.UpdateID == "" {
		return identity.ID{}, &ParseError{XPath: xpath, Reason: "UpdateID is mandatory"}
	}
	u, err := uuid.Parse(w.UpdateID)
	if err != nil {
		return identity.ID{}, &ParseError{XPath: xpath + "/@UpdateID", Reason: err.Error()}
	}
	id, err := identity.New(u, w.RevisionNumber)
	if err != nil {
		return identity.ID{}, &ParseError{XPath: xpath + "/@RevisionNumber", Reason: err.Error()}
	}
	return id, nil
}

func parseUpdateIdentityList(ws []xmlUpdateIdentity, xpath string) ([]identity.ID, error) {
	out := make([]identity.ID, 0, len(ws))
	for _, w := range ws {
		id, err := parseUpdateIdentity(w, xpath+"/UpdateIdentity")
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// parsePrerequisites enforces that Prerequisites has only UpdateIdentity
// (-> Simple) or AtLeastOne (-> group of Simple) children; any other
// element is a parse error.
func parsePrerequisites(innerXML []byte) ([]Prerequisite, error) {
	dec := xml.NewDecoder(bytes.NewReader(wrapFragment(innerXML)))
	// Consume the synthetic <_> wrapper so the loop sees only its children.
	_, _ = dec.Token()
	var out []Prerequisite
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "UpdateIdentity":
			var w xmlUpdateIdentity
			if err := dec.DecodeElement(&w, &start); err != nil {
				return nil, &ParseError{XPath: "/Update/Prerequisites/UpdateIdentity", Reason: err.Error()}
			}
			id, err := parseUpdateIdentity(w, "/Update/Prerequisites/UpdateIdentity")
			if err != nil {
				return nil, err
			}
			out = append(out, Simple{UUID: id})

		case "AtLeastOne":
			var body struct {
				UpdateIdentity []xmlUpdateIdentity `xml:"UpdateIdentity"`
			}
			if err := dec.DecodeElement(&body, &start); err != nil {
				return nil, &ParseError{XPath: "/Update/Prerequisites/AtLeastOne", Reason: err.Error()}
			}
			simples := make([]Simple, 0, len(body.UpdateIdentity))
			for _, w := range body.UpdateIdentity {
				id, err := parseUpdateIdentity(w, "/Update/Prerequisites/AtLeastOne/UpdateIdentity")
				if err != nil {
					return nil, err
				}
				simples = append(simples, Simple{UUID: id})
			}
			isCategory := attrBoolPtr(start.Attr, "IsCategory")
			out = append(out, AtLeastOne{Simples: simples, IsCategory: isCategory})

		default:
			return nil, &ParseError{
				XPath:  "/Update/Prerequisites/" + start.Name.Local,
				Reason: "Prerequisites children must be UpdateIdentity or AtLeastOne",
			}
		}
	}
	return out, nil
}

func parseFiles(ws []xmlFile) ([]File, error) {
	out := make([]File, 0, len(ws))
	for _, w := range ws {
		if len(w.Digests) == 0 {
			return nil, &ParseError{XPath: "/Update/Files/File/FileDigest", Reason: "at least one FileDigest is required"}
		}
		digests := make([]Digest, 0, len(w.Digests))
		for _, d := range w.Digests {
			digests = append(digests, Digest{Algorithm: d.Algorithm, Base64: strings.TrimSpace(d.Value)})
		}
		urls := make([]ContentURL, 0, len(w.URLs))
		for _, u := range w.URLs {
			urls = append(urls, ContentURL{MuURL: u.MUURL, UssURL: u.USSURL})
		}
		out = append(out, File{
			FileName:     w.FileName,
			Size:         w.Size,
			Digests:      digests,
			URLs:         urls,
			PatchingType: w.PatchingType,
		})
	}
	return out, nil
}

// ParseExtendedFiles decodes the File children of a GetExtendedUpdateInfo
// response entry into the same File records Parse produces from a full
// update fragment, so the sync engine can fold extended file/URL data into
// an already-parsed package without a second bespoke decoder.
func ParseExtendedFiles(raw []byte) ([]File, error) {
	var wrapper struct {
		File []xmlFile `xml:"File"`
	}
	if err := xml.Unmarshal(wrapFragment(raw), &wrapper); err != nil {
		return nil, &ParseError{XPath: "/Files", Reason: err.Error()}
	}
	return parseFiles(wrapper.File)
}

func parseDrivers(ws []xmlDriverMeta) ([]DriverMetadata, error) {
	out := make([]DriverMetadata, 0, len(ws))
	for _, w := range ws {
		if w.HardwareID == "" {
			return nil, &ParseError{XPath: "/Update/DriverMetaData/HardwareID", Reason: "HardwareID is mandatory"}
		}
		scores := make(map[string]int, len(w.FeatureScores))
		for _, fs := range w.FeatureScores {
			scores[fs.OSVersion] = fs.Value
		}
		out = append(out, DriverMetadata{
			HardwareID:                      w.HardwareID,
			FeatureScores:                   scores,
			TargetComputerHardwareIDs:       w.TargetComputerHardwareIDs,
			DistributionComputerHardwareIDs: w.DistributionComputerHardwareIDs,
			Version:                         w.Version,
			Date:                            w.Date,
		})
	}
	return out, nil
}

// parseHandler dispatches on HandlerSpecificData/@xsi:type against the
// closed registry in handler.go.
func parseHandler(raw xmlRawElement) (*Handler, error) {
	typeAttr := attrValue(raw.Attrs, "type")
	if typeAttr == "" {
		return nil, &ParseError{XPath: "/Update/HandlerSpecificData/@xsi:type", Reason: "xsi:type attribute is mandatory"}
	}
	_, local, _ := strings.Cut(typeAttr, ":")
	if local == "" {
		local = typeAttr
	}
	ht, ok := xsiTypeHandlers[local]
	if !ok {
		return nil, &UnknownHandlerType{Type: typeAttr}
	}
	return &Handler{Type: ht, Raw: raw.InnerXML}, nil
}

func categoryType(raw xmlRawElement) (string, error) {
	var body struct {
		CategoryInformation struct {
			CategoryType string `xml:"CategoryType,attr"`
		} `xml:"CategoryInformation"`
	}
	if err := xml.Unmarshal(wrapFragment(raw.InnerXML), &body); err != nil {
		return "", &ParseError{XPath: "/Update/HandlerSpecificData/CategoryInformation", Reason: err.Error()}
	}
	if body.CategoryInformation.CategoryType == "" {
		return "", &ParseError{XPath: "/Update/HandlerSpecificData/CategoryInformation/@CategoryType", Reason: "CategoryType is mandatory for category updates"}
	}
	return body.CategoryInformation.CategoryType, nil
}

func parseApplicabilityRules(innerXML []byte) []ApplicabilityRule {
	dec := xml.NewDecoder(bytes.NewReader(wrapFragment(innerXML)))
	// Consume the synthetic <_> wrapper so the loop sees only its children.
	_, _ = dec.Token()
	var out []ApplicabilityRule
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var raw xmlRawElement
		if err := dec.DecodeElement(&raw, &start); err != nil {
			continue
		}
		rule := ApplicabilityRule{Kind: start.Name.Local, Raw: raw.InnerXML}
		rule.ReferencedIDs = extractUpdateIDRefs(raw.InnerXML)
		out = append(out, rule)
	}
	return out
}

// extractUpdateIDRefs scans for UpdateIdentity elements nested anywhere
// inside an opaque applicability sub-tree so callers can index referenced
// update IDs without evaluating the rule itself.
func extractUpdateIDRefs(innerXML []byte) []string {
	dec := xml.NewDecoder(bytes.NewReader(wrapFragment(innerXML)))
	out := []string{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "UpdateIdentity" {
			out = append(out, attrValue(start.Attr, "UpdateID"))
		}
	}
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// attrBoolPtr parses local as a bool, returning nil if the attribute is
// absent or malformed so callers can distinguish "not set" from "set to
// false".
func attrBoolPtr(attrs []xml.Attr, local string) *bool {
	for _, a := range attrs {
		if a.Name.Local == local {
			v, err := strconv.ParseBool(a.Value)
			if err != nil {
				return nil
			}
			return &v
		}
	}
	return nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func wrapFragment(innerXML []byte) []byte {
	return append([]byte("<_>"), append(innerXML, []byte("</_>")...)...)
}
