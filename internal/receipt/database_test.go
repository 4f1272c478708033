package receipt

import (
	"context"
	"path/filepath"
	"time"

	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = g.Describe("BoltDB", func() {
	var (
		dbPath string
		db     *BoltDB
		ctx    context.Context
		now    time.Time
	)

	header := func(archiveID string) *Receipt {
		r := &Receipt{
			StoreName:       strPtr("Continente"),
			TotalAmount:     floatPtr(12.5),
			ArchiveFilename: "20240305T1015_grocery_continente.jpg",
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		d := NewDate(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
		r.PurchaseDate = &d
		if archiveID != "" {
			r.ArchiveFileID = strPtr(archiveID)
			r.ArchiveFileURL = strPtr("https://drive.google.com/file/d/" + archiveID)
		}
		return r
	}

	entries := func() []ProductEntry {
		return []ProductEntry{
			{OriginalName: "PAO", GeneralizedName: "bread", Tags: []string{"bakery"}, PricePerUnit: 0.5, Quantity: 4},
			{OriginalName: "OVOS", GeneralizedName: "eggs", PricePerUnit: 2.19, Quantity: 1},
		}
	}

	g.BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC)
		dbPath = filepath.Join(g.GinkgoT().TempDir(), "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	g.AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	g.Describe("Save", func() {
		var (
			saved *Receipt
			err   error
		)

		g.JustBeforeEach(func() {
			saved, err = db.Save(ctx, header("drive-1"), entries())
		})

		g.When("saving succeeds", func() {
			g.It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			g.It("assigns ids to the receipt and its entries", func() {
				Expect(saved.ID).To(Equal(int64(1)))
				Expect(saved.Entries).To(HaveLen(2))
				Expect(saved.Entries[0].ID).NotTo(Equal(saved.Entries[1].ID))
				for _, entry := range saved.Entries {
					Expect(entry.ReceiptID).To(Equal(saved.ID))
				}
			})

			g.It("materializes missing tags as an empty list", func() {
				Expect(saved.Entries[1].Tags).To(Equal([]string{}))
			})

			g.It("can be read back", func() {
				got, getErr := db.Get(ctx, saved.ID)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(*got.StoreName).To(Equal("Continente"))
				Expect(got.PurchaseDate.String()).To(Equal("2024-03-05"))
				Expect(*got.ArchiveFileID).To(Equal("drive-1"))
				Expect(got.Entries).To(HaveLen(2))
				Expect(got.Entries[0].GeneralizedName).To(Equal("bread"))
				Expect(got.Entries[1].Tags).NotTo(BeNil())
			})
		})

		g.When("another receipt already uses the archive id", func() {
			g.BeforeEach(func() {
				_, firstErr := db.Save(ctx, header("drive-1"), nil)
				Expect(firstErr).NotTo(HaveOccurred())
			})

			g.It("rejects the second receipt", func() {
				Expect(err).To(MatchError(ErrDuplicateArchiveID))
			})

			g.It("writes nothing for the rejected receipt", func() {
				receipts, listErr := db.List(ctx)
				Expect(listErr).NotTo(HaveOccurred())
				Expect(receipts).To(HaveLen(1))
				Expect(receipts[0].Entries).To(BeEmpty())
			})
		})

		g.When("the context is already cancelled", func() {
			g.BeforeEach(func() {
				cancelled, cancel := context.WithCancel(context.Background())
				cancel()
				ctx = cancelled
			})

			g.It("writes nothing", func() {
				Expect(err).To(MatchError(context.Canceled))
				receipts, listErr := db.List(context.Background())
				Expect(listErr).NotTo(HaveOccurred())
				Expect(receipts).To(BeEmpty())
			})
		})
	})

	g.It("stores receipts without an archive link", func() {
		first, err := db.Save(ctx, header(""), entries())
		Expect(err).NotTo(HaveOccurred())
		second, err := db.Save(ctx, header(""), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.ID).To(Equal(first.ID + 1))
		Expect(second.ArchiveFileID).To(BeNil())
	})

	g.Describe("Get", func() {
		g.It("returns ErrNotFound for unknown ids", func() {
			_, err := db.Get(ctx, 42)
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	g.Describe("List", func() {
		g.It("returns receipts oldest first", func() {
			for _, id := range []string{"a", "b", "c"} {
				_, err := db.Save(ctx, header(id), entries())
				Expect(err).NotTo(HaveOccurred())
			}

			receipts, err := db.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(3))
			Expect(*receipts[0].ArchiveFileID).To(Equal("a"))
			Expect(*receipts[2].ArchiveFileID).To(Equal("c"))
			Expect(receipts[2].Entries).To(HaveLen(2))
		})

		g.It("returns an empty list for an empty database", func() {
			receipts, err := db.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).NotTo(BeNil())
			Expect(receipts).To(BeEmpty())
		})
	})

	g.Describe("Delete", func() {
		var saved *Receipt

		g.BeforeEach(func() {
			var err error
			saved, err = db.Save(ctx, header("drive-1"), entries())
			Expect(err).NotTo(HaveOccurred())
		})

		g.It("removes the receipt with its entries", func() {
			Expect(db.Delete(ctx, saved.ID)).To(Succeed())

			_, err := db.Get(ctx, saved.ID)
			Expect(err).To(MatchError(ErrNotFound))
		})

		g.It("frees the archive id", func() {
			Expect(db.Delete(ctx, saved.ID)).To(Succeed())

			_, err := db.Save(ctx, header("drive-1"), nil)
			Expect(err).NotTo(HaveOccurred())
		})

		g.It("reports unknown ids", func() {
			Expect(db.Delete(ctx, 999)).To(MatchError(ErrNotFound))
		})
	})

	g.Describe("reopening", func() {
		g.It("keeps data across restarts", func() {
			saved, err := db.Save(ctx, header("drive-1"), entries())
			Expect(err).NotTo(HaveOccurred())
			Expect(db.Close()).To(Succeed())

			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())

			got, err := db.Get(ctx, saved.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Entries).To(HaveLen(2))
		})
	})
})

var _ = g.Describe("Date", func() {
	g.It("marshals as a calendar date", func() {
		d, err := ParseDate("2024-03-05")
		Expect(err).NotTo(HaveOccurred())

		data, err := d.MarshalJSON()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal(`"2024-03-05"`))
	})

	g.It("rejects other layouts", func() {
		var d Date
		Expect(d.UnmarshalJSON([]byte(`"05/03/2024"`))).NotTo(Succeed())
	})
})
