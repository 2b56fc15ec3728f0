// Command seed populates the catalog with a fixed set of well-known books and
// embeds each one so the recommender has candidates to retrieve.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/domain"
	"github.com/shahmir-m/liber/pkg/telemetry"
	"github.com/shahmir-m/liber/services/recommender/internal/app"
	"github.com/shahmir-m/liber/services/recommender/internal/config"
)

var seedQueries = []string{
	"1984 George Orwell",
	"Pride and Prejudice Jane Austen",
	"The Great Gatsby F. Scott Fitzgerald",
	"To Kill a Mockingbird Harper Lee",
	"One Hundred Years of Solitude Gabriel Garcia Marquez",
	"The Hitchhiker's Guide to the Galaxy Douglas Adams",
	"Dune Frank Herbert",
	"The Name of the Wind Patrick Rothfuss",
	"Sapiens Yuval Noah Harari",
	"Thinking Fast and Slow Daniel Kahneman",
	"The Catcher in the Rye J.D. Salinger",
	"Brave New World Aldous Huxley",
	"The Lord of the Rings J.R.R. Tolkien",
	"Harry Potter and the Sorcerer's Stone J.K. Rowling",
	"Crime and Punishment Fyodor Dostoevsky",
	"The Road Cormac McCarthy",
	"Neuromancer William Gibson",
	"The Left Hand of Darkness Ursula K. Le Guin",
	"Beloved Toni Morrison",
	"The Alchemist Paulo Coelho",
	"Slaughterhouse-Five Kurt Vonnegut",
	"Fahrenheit 451 Ray Bradbury",
	"The Handmaid's Tale Margaret Atwood",
	"Blood Meridian Cormac McCarthy",
	"Norwegian Wood Haruki Murakami",
	"The Brothers Karamazov Fyodor Dostoevsky",
	"Catch-22 Joseph Heller",
	"The Color Purple Alice Walker",
	"Ender's Game Orson Scott Card",
	"The Martian Andy Weir",
}

type searcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Book, error)
}

type bookStore interface {
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	SaveBook(ctx context.Context, b domain.Book) error
}

type embedder interface {
	EnsureBooks(ctx context.Context, books []domain.Book) (int, error)
}

type seedStats struct {
	Added    int
	Existing int
	Missing  int
	Failed   int
	Embedded int
}

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel, "seed")
	// Seeding always needs the remote catalog.
	cfg.CatalogEnabled = true

	rt, err := app.Wire(cfg, telemetry.NopSink{})
	if err != nil {
		log.Fatalf("failed to init runtime: %v", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := seed(ctx, seedQueries, rt.Catalog, rt.Store, rt.Embeddings)
	slog.Info("seed_complete",
		"added", stats.Added, "existing", stats.Existing,
		"missing", stats.Missing, "failed", stats.Failed, "embedded", stats.Embedded)
}

// seed imports the top search hit for each query, then embeds every seeded
// book in one batch. Books already present are included so a model change
// re-populates the vector store.
func seed(ctx context.Context, queries []string, src searcher, books bookStore, emb embedder) seedStats {
	var (
		stats  seedStats
		seeded []domain.Book
	)
	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}
		logger := slog.With("query", q)
		qctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		results, err := src.Search(qctx, q, 1)
		if err != nil || len(results) == 0 {
			cancel()
			if err != nil {
				logger.Warn("seed_search_failed", "err", err)
				stats.Failed++
			} else {
				logger.Warn("seed_no_results")
				stats.Missing++
			}
			continue
		}
		book := results[0]
		existing, ok, err := books.GetBook(qctx, book.ID)
		switch {
		case err != nil:
			logger.Warn("seed_lookup_failed", "book_id", book.ID, "err", err)
			stats.Failed++
			cancel()
			continue
		case ok:
			book = existing
			stats.Existing++
		default:
			if err := books.SaveBook(qctx, book); err != nil {
				logger.Warn("seed_save_failed", "book_id", book.ID, "err", err)
				stats.Failed++
				cancel()
				continue
			}
			stats.Added++
		}
		cancel()
		seeded = append(seeded, book)
		logger.Info("seeded_book", "book_id", book.ID, "title", book.Title)
	}
	if len(seeded) == 0 || ctx.Err() != nil {
		return stats
	}
	ectx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	n, err := emb.EnsureBooks(ectx, seeded)
	stats.Embedded = n
	if err != nil {
		slog.Warn("seed_embed_failed", "books", len(seeded), "embedded", n, "err", err)
	}
	return stats
}
