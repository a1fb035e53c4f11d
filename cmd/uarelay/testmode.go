package main

import (
	"log"
	"time"

	"github.com/shortontech/uarelay/internal/pipeline"
	"github.com/shortontech/uarelay/internal/signal"
)

// generateTestExchanges creates sample exchanges covering the interesting
// pipeline paths: a plain browser, an automation UA, a duplicate, a plain
// HTTP request and a suspicious response.
func generateTestExchanges() []signal.Exchange {
	browser := signal.Exchange{
		Host:           "shop.example.com",
		URL:            "https://shop.example.com/checkout",
		Method:         "POST",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		ClientIP:       "203.0.113.42",
		ContentType:    "application/x-www-form-urlencoded",
		TLSEstablished: true,
		TLSVersion:     "TLSv1.3",
		Cipher:         "TLS_AES_256_GCM_SHA384",
	}

	scraper := signal.Exchange{
		Host:      "shop.example.com",
		URL:       "https://shop.example.com/api/prices",
		Method:    "GET",
		UserAgent: "python-requests/2.31.0",
		ClientIP:  "198.51.100.7",
	}

	plain := signal.Exchange{
		Host:      "legacy.example.com",
		URL:       "http://legacy.example.com/form",
		Method:    "GET",
		UserAgent: "curl/8.0",
		ClientIP:  "198.51.100.9",
	}

	return []signal.Exchange{browser, scraper, scraper, plain}
}

// runTestMode feeds sample exchanges through the pipeline so every
// configured sink can be verified end to end without a proxy host.
func runTestMode(pl *pipeline.Pipeline) {
	log.Println("test mode: feeding sample exchanges")

	exchanges := generateTestExchanges()
	for i, ex := range exchanges {
		log.Printf("test mode: exchange %d/%d %s %s", i+1, len(exchanges), ex.Method, ex.URL)
		pl.OnRequest(ex)
		time.Sleep(200 * time.Millisecond)
	}

	suspicious := signal.Exchange{
		Host:       "shop.example.com",
		URL:        "https://shop.example.com/api/prices",
		Method:     "GET",
		UserAgent:  "python-requests/2.31.0",
		ClientIP:   "198.51.100.7",
		StatusCode: 429,
		ResponseHeaders: map[string]string{
			"Server": "Werkzeug/2.3.7 Python/3.11",
		},
	}
	log.Println("test mode: suspicious response exchange")
	pl.OnResponse(suspicious)

	log.Println("test mode: all sample exchanges sent")
}
