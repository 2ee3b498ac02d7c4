package web

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const failureFeedLimit = 50

// GetFailureFeed renders the currently failing delivery destinations as an
// RSS feed, so operators can subscribe to outbox trouble.
func GetFailureFeed(conf *util.AppConfig) (string, error) {
	err, failing := db.GetDB().ReadFailingDestinations(failureFeedLimit)
	if err != nil {
		return "", err
	}

	now := time.Now()
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - failing destinations", conf.Conf.ServerName),
		Link:        &feeds.Link{Href: fmt.Sprintf("https://%s/feed", conf.Conf.ServerName)},
		Description: "Destinations with pending to-device messages and delivery failures",
		Created:     now,
	}

	for _, dest := range *failing {
		retryAt := "unscheduled"
		if dest.RetryAt != nil {
			retryAt = dest.RetryAt.Format(util.DateTimeFormat())
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Title: fmt.Sprintf("%s (%d failures)", dest.Name, dest.FailureCount),
			Link:  &feeds.Link{Href: fmt.Sprintf("https://%s/feed#%s", conf.Conf.ServerName, dest.Name)},
			Description: fmt.Sprintf("last error: %s, next retry: %s",
				dest.LastError, retryAt),
			Created: now,
		})
	}

	return feed.ToRss()
}

// HandleFeed serves the failure feed over HTTP.
func HandleFeed(c *gin.Context, conf *util.AppConfig) {
	rss, err := GetFailureFeed(conf)
	if err != nil {
		log.Printf("Feed: Failed to build feed: %v", err)
		c.String(http.StatusInternalServerError, "Failed to build feed")
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
