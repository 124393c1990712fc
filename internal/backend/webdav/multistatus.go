package webdav

import (
	"encoding/xml"
	"net/http"
	"strings"
	"time"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
    <d:getlastmodified/>
    <d:getcontentlength/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   davProp `xml:"DAV: prop"`
	Status string  `xml:"DAV: status"`
}

type davProp struct {
	ResourceType  resourceType `xml:"DAV: resourcetype"`
	LastModified  string       `xml:"DAV: getlastmodified"`
	ContentLength int64        `xml:"DAV: getcontentlength"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// resource is one parsed response entry.
type resource struct {
	href     string
	isFolder bool
	modTime  time.Time
	size     int64
}

func parseMultistatus(data []byte) ([]resource, error) {
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, err
	}

	out := make([]resource, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			// properties the server could not return come in their own
			// propstat, with a 404 status
			if !strings.Contains(ps.Status, " 200") {
				continue
			}
			res := resource{
				href:     r.Href,
				isFolder: ps.Prop.ResourceType.Collection != nil,
				size:     ps.Prop.ContentLength,
			}
			if ps.Prop.LastModified != "" {
				if t, err := http.ParseTime(ps.Prop.LastModified); err == nil {
					res.modTime = t
				}
			}
			out = append(out, res)
			break
		}
	}
	return out, nil
}
